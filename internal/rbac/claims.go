package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Claims is the identity a caller asserts in a request payload.
type Claims struct {
	UserID int64  `validate:"required,gt=0"`
	Email  string `validate:"required,email"`
}

// Decision is the outcome of AuthorizePrincipal. There is no partial state.
type Decision struct {
	Authorized bool
	Reason     string
}

const (
	ReasonAuthorized        = "authorized"
	ReasonInvalidClaims     = "invalid identity claims"
	ReasonIdentityMismatch  = "identity mismatch"
	ReasonMissingPermission = "missing permission"
	ReasonResolverError     = "permission lookup failed"
)

func authorized() Decision {
	return Decision{Authorized: true, Reason: ReasonAuthorized}
}

func forbidden(reason string) Decision {
	return Decision{Authorized: false, Reason: reason}
}

var claimsValidator = validator.New()

type rawClaims struct {
	ID    json.RawMessage `json:"id"`
	Email *string         `json:"email"`
}

// ParseClaims decodes a claimed identity from a JSON object with id and email,
// or from a JSON string that itself holds such an object.
func ParseClaims(raw json.RawMessage) (Claims, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Claims{}, fmt.Errorf("%w: identity claims missing", ErrValidation)
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return Claims{}, fmt.Errorf("%w: identity claims not decodable", ErrValidation)
		}
		raw = json.RawMessage(strings.TrimSpace(encoded))
		if len(raw) == 0 || raw[0] != '{' {
			return Claims{}, fmt.Errorf("%w: identity claims not an object", ErrValidation)
		}
	}
	if raw[0] != '{' {
		return Claims{}, fmt.Errorf("%w: identity claims not an object", ErrValidation)
	}
	var decoded rawClaims
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Claims{}, fmt.Errorf("%w: identity claims not decodable", ErrValidation)
	}
	if len(decoded.ID) == 0 || decoded.Email == nil {
		return Claims{}, fmt.Errorf("%w: identity claims require id and email", ErrValidation)
	}
	id, err := parseClaimID(decoded.ID)
	if err != nil {
		return Claims{}, err
	}
	claims := Claims{UserID: id, Email: strings.TrimSpace(*decoded.Email)}
	if err := claimsValidator.Struct(claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}
	return claims, nil
}

// parseClaimID accepts ids as JSON numbers or numeric strings.
func parseClaimID(raw json.RawMessage) (int64, error) {
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if id, err := asNumber.Int64(); err == nil {
			return id, nil
		}
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if id, err := strconv.ParseInt(strings.TrimSpace(asString), 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: identity claim id must be an integer", ErrValidation)
}
