// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package switches defines the switch record, its creation rules and the
// identity helpers shared by the store, the coordinator and the HTTP layer.
package switches

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	apperrors "github.com/soothill/switchmeter/pkg/errors"
)

// IDPrefix is the conventional marker every normalized switchId starts with.
const IDPrefix = "SW"

// Record is the durable state of one switch.
//
// LastOnTime is non-nil exactly when IsOn is true. MinutesOn and
// PowerConsumed only ever grow. Version is bumped by every successful
// compare-and-update and is never exposed to clients for writing.
type Record struct {
	ID              int64      `json:"id"`
	SwitchID        string     `json:"switchId,omitempty"`
	Name            string     `json:"name"`
	IsOn            bool       `json:"isOn"`
	LastOnTime      *time.Time `json:"lastOnTime"`
	MinutesOn       int64      `json:"minutesOn"`
	PowerRating     float64    `json:"powerRating"`
	ElectricityRate float64    `json:"electricityRate"`
	PowerConsumed   float64    `json:"powerConsumed"`
	BillAmount      float64    `json:"billAmount"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastOnTime != nil {
		t := *r.LastOnTime
		c.LastOnTime = &t
	}
	return &c
}

// CreateRequest carries the client-supplied fields of a new switch.
type CreateRequest struct {
	Name            string  `json:"name" validate:"max=128"`
	SwitchID        string  `json:"switchId" validate:"max=64"`
	PowerRating     float64 `json:"powerRating" validate:"gte=0"`
	ElectricityRate float64 `json:"electricityRate" validate:"gte=0"`
}

// topicReserved are the characters MQTT reserves in topic names.
const topicReserved = "/+#"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so boundary errors match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// NormalizeSwitchID strips everything but letters and digits, uppercases the
// rest and prepends IDPrefix when missing. An input with no alphanumerics
// normalizes to the empty string, meaning "no external identity".
func NormalizeSwitchID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return ""
	}
	if !strings.HasPrefix(cleaned, IDPrefix) {
		cleaned = IDPrefix + cleaned
	}
	return cleaned
}

// DeviceIdentity derives the device-facing identity of a record.
// Precedence: SwitchID, then Name, then IDPrefix followed by the store id.
func DeviceIdentity(r *Record) string {
	if r == nil {
		return ""
	}
	return lo.CoalesceOrEmpty(r.SwitchID, strings.TrimSpace(r.Name), fmt.Sprintf("%s%d", IDPrefix, r.ID))
}

// NewRecord validates req and builds the initial record: off, never turned
// on, zero accumulators. The returned record has no store id yet.
func NewRecord(req CreateRequest, now time.Time) (*Record, error) {
	if err := validate.Struct(req); err != nil {
		return nil, translateValidationError(err)
	}

	switchID := NormalizeSwitchID(req.SwitchID)
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = switchID
	}
	if name == "" {
		return nil, apperrors.NewValidationError("name", req.Name, "name or switchId is required")
	}
	// Without a switchId the name becomes the MQTT topic segment.
	if switchID == "" && strings.ContainsAny(name, topicReserved) {
		return nil, apperrors.NewValidationError("name", req.Name, "must not contain '/', '+' or '#' when no switchId is given")
	}

	now = now.UTC()
	return &Record{
		SwitchID:        switchID,
		Name:            name,
		PowerRating:     req.PowerRating,
		ElectricityRate: req.ElectricityRate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func translateValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !apperrors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.NewValidationError("request", nil, err.Error())
	}
	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "gte":
		reason = "must be non-negative"
	case "max":
		reason = fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		reason = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return apperrors.NewValidationError(fe.Field(), fe.Value(), reason)
}
