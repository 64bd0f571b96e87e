package httpapi

import (
	"encoding/json"
	"errors"

	"github.com/dnewmon/broadcast-socket-sub000/internal/subscription"
)

func jsonMarshal(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func isValidationError(err error) bool {
	return errors.Is(err, subscription.ErrInvalidChannel)
}
