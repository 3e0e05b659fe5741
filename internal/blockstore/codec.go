package blockstore

import "encoding/json"

func encodeBlock(b *DataBlock) ([]byte, error) {
	return json.Marshal(b)
}

func decodeBlock(raw []byte) (*DataBlock, error) {
	var b DataBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func decodeJSON(raw []byte, out interface{}) error {
	return json.Unmarshal(raw, out)
}
