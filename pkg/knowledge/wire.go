package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Marshal encodes u as a flat JSON object with its kind as the first field:
// {"kind": ..., "session_id": ..., <kind-specific fields>}.
func Marshal(u Unit) ([]byte, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", u.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("unexpected encoding for %s", u.Kind())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	buf.WriteString(`{"kind":`)
	buf.WriteString(strconv.Quote(string(u.Kind())))
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}
