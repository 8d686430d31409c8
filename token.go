package betterddb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Continuation tokens are the store's last-evaluated key, encoded so
// callers can treat them as opaque strings and thread them back unchanged.
// Presence of a token, not page length, is the sole "more data" signal.
//
// Key attributes are scalars and each is kept in its native wire form:
// numbers stay their decimal string, never a float, so keys beyond float64
// precision resume from exactly the right item.

type tokenAttr struct {
	S *string `json:"s,omitempty"`
	N *string `json:"n,omitempty"`
	B []byte  `json:"b,omitempty"`
}

func encodeContinuationToken(lastEvaluatedKey Item) (string, error) {
	if len(lastEvaluatedKey) == 0 {
		return "", nil
	}
	attrs := make(map[string]tokenAttr, len(lastEvaluatedKey))
	for name, v := range lastEvaluatedKey {
		switch av := v.(type) {
		case *types.AttributeValueMemberS:
			attrs[name] = tokenAttr{S: &av.Value}
		case *types.AttributeValueMemberN:
			attrs[name] = tokenAttr{N: &av.Value}
		case *types.AttributeValueMemberB:
			attrs[name] = tokenAttr{B: av.Value}
		default:
			return "", fmt.Errorf("encoding continuation token: attribute %q has non-key type %T", name, v)
		}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encoding continuation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeContinuationToken(token string) (Item, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed continuation token: %w", err)
	}
	var attrs map[string]tokenAttr
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("malformed continuation token: %w", err)
	}
	key := make(Item, len(attrs))
	for name, attr := range attrs {
		switch {
		case attr.S != nil:
			key[name] = &types.AttributeValueMemberS{Value: *attr.S}
		case attr.N != nil:
			key[name] = &types.AttributeValueMemberN{Value: *attr.N}
		case len(attr.B) > 0:
			key[name] = &types.AttributeValueMemberB{Value: attr.B}
		default:
			return nil, fmt.Errorf("malformed continuation token: attribute %q carries no value", name)
		}
	}
	return key, nil
}
