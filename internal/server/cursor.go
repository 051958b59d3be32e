package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// pageCursor is the opaque nextCursor handed to clients.
type pageCursor struct {
	Offset  int    `json:"offset"`
	Version uint64 `json:"version"`
}

func encodeCursor(c pageCursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(raw string) (pageCursor, error) {
	if raw == "" {
		return pageCursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return pageCursor{}, fmt.Errorf("%w: cursor is not base64", ErrInvalidInput)
	}
	var c pageCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return pageCursor{}, fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	if c.Offset < 0 {
		return pageCursor{}, fmt.Errorf("%w: negative cursor offset", ErrInvalidInput)
	}
	return c, nil
}
