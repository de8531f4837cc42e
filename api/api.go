package api

// Types exchanged with the vendor's web margin service. The upload and margin
// responses arrive as fragments inside larger, schema-variable payloads, so
// the adapter extracts these fields positionally; the delete request is a
// well-formed document we build ourselves.

type UploadResult struct {
	ReferenceID string `json:"referenceId"`
	HashCode    string `json:"hashCode"`
	OwnerID     string `json:"ownerId"`
	DateCreated string `json:"dateCreated"`
}

type DeleteUploadReq struct {
	ID          int64  `json:"id"`
	DateCreated int64  `json:"dateCreated"`
	OwnerID     int64  `json:"ownerId"`
	FileName    string `json:"fileName"`
	ReferenceID string `json:"referenceId"`
	HashCode    int64  `json:"hashCode"`
	Include     bool   `json:"include"`
}
