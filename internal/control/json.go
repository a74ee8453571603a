package control

import "encoding/json"

func marshalLine(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalInto(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}
