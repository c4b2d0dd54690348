package models

// SchemaVersion is the current version of the persisted session blob.
const SchemaVersion = 1

// Snapshot is the persisted session blob.
type Snapshot struct {
	SchemaVersion   int         `bson:"schema_version" json:"schema_version"`
	OwnerID         string      `bson:"_id" json:"owner_id"`
	Profiles        []Profile   `bson:"profiles" json:"profiles"`
	Garments        []Garment   `bson:"garments" json:"garments"`
	Jobs            []TryOnJob  `bson:"jobs" json:"jobs"`
	LedgerState     `bson:",inline"`
	ActiveProfileID *string     `bson:"active_profile_id,omitempty" json:"active_profile_id,omitempty"`
}

// Migrate upgrades an older blob in place. Version 0 blobs predate the version field.
func (s *Snapshot) Migrate() {
	if s.SchemaVersion < SchemaVersion {
		s.SchemaVersion = SchemaVersion
	}
}
