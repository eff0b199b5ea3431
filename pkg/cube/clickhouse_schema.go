package cube

import "fmt"

// SQLSchema maps cube members to ClickHouse SQL. Dimension values are
// column expressions; measure values are aggregate expressions.
type SQLSchema struct {
	Cube       string
	Table      string
	Dimensions map[string]string
	Measures   map[string]string
}

// RadiologySQLSchema is the ClickHouse layout of the radiology audits table.
var RadiologySQLSchema = func() SQLSchema {
	s := SQLSchema{
		Cube:  "RadiologyAudits",
		Table: "radiology_audits",
		Dimensions: map[string]string{
			"caseId":              "case_id",
			"srNo":                "sr_no",
			"modality":            "modality",
			"subSpecialty":        "sub_specialty",
			"bodyPartCategory":    "body_part_category",
			"bodyPart":            "body_part",
			"studyDescription":    "study_description",
			"scanType":            "scan_type",
			"instituteName":       "institute_name",
			"unitIdentifier":      "unit_identifier",
			"originalRadiologist": "original_radiologist",
			"reviewer":            "reviewer",
			"secondReview":        "second_review",
			"finalOutput":         "final_output",
			"starRating":          "star_rating",
			"gender":              "gender",
			"ageCohort":           "age_cohort",
			"age":                 "age",
			"unableToAudit":       "unable_to_audit",
			"requiredReaudit":     "required_reaudit",
			"comments":            "comments",
			"reportDate":          "report_date",
			"scanDate":            "scan_date",
			"uploadDate":          "upload_date",
			"assignDate":          "assign_date",
			"reviewDate":          "review_date",
		},
		Measures: map[string]string{
			"count":                "count()",
			"avgQualityScore":      "avg(quality_score)",
			"avgSafetyScore":       "avg(safety_score)",
			"avgProductivityScore": "avg(productivity_score)",
			"avgEfficiencyScore":   "avg(efficiency_score)",
			"avgStarScore":         "avg(star_score)",
			"avgStarRating":        "avg(star_rating)",
			"avgAge":               "avg(age)",
			"avgAssignTat":         "avg(assign_tat)",
			"avgReviewTat":         "avg(review_tat)",
			"highSafetyCount":      "countIf(safety_score > 80)",
			"highQualityCount":     "countIf(quality_score > 70)",
			"lowQualityCount":      "countIf(quality_score < 60)",
			"highSafetyRate":       "100 * countIf(safety_score > 80) / count()",
			"highQualityRate":      "100 * countIf(quality_score > 70) / count()",
			"reauditCount":         "countIf(required_reaudit = 'Yes')",
			"avgQ12Q":              "avg(q12_q)",
			"avgQ12S":              "avg(q12_s)",
		},
	}
	for i := 1; i <= 5; i++ {
		s.Measures[fmt.Sprintf("cat%dCount", i)] = fmt.Sprintf("countIf(final_output = 'CAT%d')", i)
	}
	for i := 1; i <= 17; i++ {
		if i == 12 {
			continue
		}
		s.Measures[fmt.Sprintf("avgQ%d", i)] = fmt.Sprintf("avg(q%d)", i)
	}
	return s
}()
