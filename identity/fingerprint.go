package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"aptscout/models"
	"aptscout/similarity"
)

// hashFields is the fixed field order fed into ContentHash
var hashFields = []func(*models.ListingRecord) string{
	func(r *models.ListingRecord) string { return r.Provider },
	func(r *models.ListingRecord) string { return r.ExternalIDValue() },
	func(r *models.ListingRecord) string { return r.Title },
	func(r *models.ListingRecord) string { return r.Price },
	func(r *models.ListingRecord) string { return r.Size },
	func(r *models.ListingRecord) string { return r.Rooms },
	func(r *models.ListingRecord) string { return r.Address },
}

// ContentHash returns the SHA-256 hex digest over the normalized
// provider|external_id|title|price|size|rooms|address of a listing.
func ContentHash(r *models.ListingRecord) string {
	parts := make([]string, len(hashFields))
	for i, field := range hashFields {
		parts[i] = similarity.NormalizeText(field(r))
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
