package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-harvest-listings/models"
)

var (
	// ErrNotObject is returned for raw items that are not key-value mappings.
	ErrNotObject = errors.New("parser: item is not an object")
	// ErrMissingID is returned by ValidateListing when the id is absent.
	ErrMissingID = errors.New("parser: listing missing id")
)

// Keys looked up on each raw search result.
const (
	KeyID             = "id"
	KeyAddress        = "address"
	KeyAddressCity    = "addressCity"
	KeyAddressState   = "addressState"
	KeyAddressStreet  = "addressStreet"
	KeyAddressZipcode = "addressZipcode"
)

// NormalizeListing extracts the recognized fields from one raw search result.
// Missing or non-scalar fields are left nil; only a non-mapping item fails.
func NormalizeListing(raw any, req models.PageRequest) (*models.Listing, error) {
	item, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, raw)
	}

	return &models.Listing{
		ID:             models.StringValue(field(item, KeyID)),
		Address:        field(item, KeyAddress),
		AddressCity:    field(item, KeyAddressCity),
		AddressState:   field(item, KeyAddressState),
		AddressStreet:  field(item, KeyAddressStreet),
		AddressZipcode: field(item, KeyAddressZipcode),
		Page:           req.Index,
		ScrapedAt:      time.Now(),
	}, nil
}

// ValidateListing enforces the strict policy: a listing needs an id.
func ValidateListing(l *models.Listing) error {
	if l == nil {
		return fmt.Errorf("listing is nil")
	}
	if strings.TrimSpace(l.ID) == "" {
		return ErrMissingID
	}
	return nil
}

func field(item map[string]any, key string) *string {
	value, ok := item[key]
	if !ok || value == nil {
		return nil
	}
	text, ok := ScalarText(value)
	if !ok {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &text
}

// ScalarText renders a decoded JSON scalar as text. Objects and arrays are
// reported as not ok.
func ScalarText(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
