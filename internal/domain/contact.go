package domain

// ContactRecord is the row shape carried by the change-feed channel and
// mirrored into the search index keyed on ID.
type ContactRecord struct {
	ID         string `json:"id"`
	GivenName  string `json:"givenName,omitempty"`
	SurName    string `json:"surName,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Mobile     string `json:"mobile,omitempty"`
	Salutation string `json:"salutation,omitempty"`
	Gender     string `json:"gender,omitempty"`
	BirthDate  string `json:"birthDate,omitempty"`
	Created    string `json:"created,omitempty"`
	Modified   string `json:"modified,omitempty"`
}

// SyncAction is the index operation derived from a change-feed payload.
type SyncAction string

const (
	SyncUpsert SyncAction = "upsert"
	SyncDelete SyncAction = "delete"
)
