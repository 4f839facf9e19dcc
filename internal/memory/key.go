package memory

import (
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// CompanionKey identifies one user's conversation with one companion under one model.
// The triple is the only namespace discriminator for both history and long-term memory.
type CompanionKey struct {
	CompanionName string `json:"companion_name" validate:"required,max=128"`
	ModelName     string `json:"model_name" validate:"required,max=128"`
	UserID        string `json:"user_id" validate:"required,max=128"`
}

// Validate rejects keys with missing or oversized components.
func (k CompanionKey) Validate() error {
	if err := validate.Struct(k); err != nil {
		return Validationf("companion key: %v", err)
	}
	return nil
}

// PartitionKey is the History Store partition for this key.
func (k CompanionKey) PartitionKey() string {
	return "history:" + k.encode()
}

// Namespace is the Vector Index namespace for this key.
func (k CompanionKey) Namespace() string {
	return "mem:" + k.encode()
}

// Components are query-escaped so a ':' inside a name cannot alias another triple.
func (k CompanionKey) encode() string {
	return strings.Join([]string{
		url.QueryEscape(k.CompanionName),
		url.QueryEscape(k.ModelName),
		url.QueryEscape(k.UserID),
	}, ":")
}

// String is safe for logs: the user id is truncated.
func (k CompanionKey) String() string {
	uid := k.UserID
	if len(uid) > 6 {
		uid = uid[:6] + "…"
	}
	return k.CompanionName + "/" + k.ModelName + "/" + uid
}
