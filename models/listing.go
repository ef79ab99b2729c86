package models

import (
	"encoding/json"
	"time"
)

// Listing status
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Deduplication status
const (
	DedupUnique    = "unique"
	DedupDuplicate = "duplicate"
	DedupMerged    = "merged"
)

// Contact types
const (
	ContactEmail = "email"
	ContactPhone = "phone"
	ContactOther = "other"
)

// Contact validation status
const (
	ValidationUnverified = "unverified"
	ValidationValid      = "valid"
	ValidationInvalid    = "invalid"
)

// ListingRecord is the canonical stored form of a scraped apartment listing
type ListingRecord struct {
	ID                  int64           `json:"id" db:"id"`
	Provider            string          `json:"provider" db:"provider"`
	ExternalID          *string         `json:"external_id" db:"external_id"`
	URL                 *string         `json:"url" db:"url"`
	Title               string          `json:"title" db:"title"`
	Price               string          `json:"price" db:"price"`
	PriceValue          *float64        `json:"price_value" db:"price_value"`
	Size                string          `json:"size" db:"size"`
	SizeValue           *float64        `json:"size_value" db:"size_value"`
	Rooms               string          `json:"rooms" db:"rooms"`
	Address             string          `json:"address" db:"address"`
	Description         string          `json:"description" db:"description"`
	ContentHash         string          `json:"content_hash" db:"content_hash"`
	Status              string          `json:"status" db:"status"`
	DeduplicationStatus string          `json:"deduplication_status" db:"deduplication_status"`
	DuplicateOfID       *int64          `json:"duplicate_of_id" db:"duplicate_of_id"`
	DuplicateConfidence *float64        `json:"duplicate_confidence" db:"duplicate_confidence"`
	DuplicateStrategy   string          `json:"duplicate_strategy" db:"duplicate_strategy"`
	RawData             json.RawMessage `json:"raw_data" db:"raw_data"`
	Contacts            []Contact       `json:"contacts"`
	Images              []string        `json:"images"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// ExternalIDValue returns the external id or "" when absent
func (r *ListingRecord) ExternalIDValue() string {
	if r.ExternalID == nil {
		return ""
	}
	return *r.ExternalID
}

// URLValue returns the url or "" when absent
func (r *ListingRecord) URLValue() string {
	if r.URL == nil {
		return ""
	}
	return *r.URL
}

// Contact is a piece of contact information owned by one listing
type Contact struct {
	ID               int64   `json:"id" db:"id"`
	ListingID        int64   `json:"listing_id" db:"listing_id"`
	Type             string  `json:"type" db:"type"` // email, phone, other
	Value            string  `json:"value" db:"value"`
	Confidence       float64 `json:"confidence" db:"confidence"`
	Source           string  `json:"source" db:"source"`
	ValidationStatus string  `json:"validation_status" db:"validation_status"`
}

// ListingFields is the normalized field set handed over by the scraping layer.
// Unknown JSON keys are rejected when decoding.
type ListingFields struct {
	Provider    string          `json:"provider" validate:"required"`
	ExternalID  string          `json:"external_id,omitempty"`
	URL         string          `json:"url" validate:"required"`
	Title       string          `json:"title" validate:"required"`
	Price       string          `json:"price,omitempty"`
	Size        string          `json:"size,omitempty"`
	Rooms       string          `json:"rooms,omitempty"`
	Address     string          `json:"address,omitempty"`
	Description string          `json:"description,omitempty"`
	Contacts    []ContactFields `json:"contacts,omitempty" validate:"dive"`
	Images      []string        `json:"images,omitempty" validate:"dive,url"`
	RawData     json.RawMessage `json:"raw_data,omitempty"`
}

// ContactFields is a contact as extracted from a listing page
type ContactFields struct {
	Type       string  `json:"type" validate:"required,oneof=email phone other"`
	Value      string  `json:"value" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	Source     string  `json:"source,omitempty"`
}

// ListingFilter narrows List queries. Zero values mean "no filter".
type ListingFilter struct {
	Provider            string
	Status              string
	DeduplicationStatus string
	PriceMax            *float64
	TextQuery           string
	SortBy              string // "", "price", "newest"
}

// Sort orders for ListingFilter.SortBy
const (
	SortInsertion = ""
	SortPrice     = "price"
	SortNewest    = "newest"
)
