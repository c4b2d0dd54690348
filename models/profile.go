package models

import (
	"time"
)

// PoseKind describes how the user is posed in a photo.
type PoseKind string

const (
	PoseFront PoseKind = "front"
	PoseSide  PoseKind = "side"
	PoseBack  PoseKind = "back"
	PoseOther PoseKind = "other"
)

// Photo is one image of a profile. URI is a local path until uploaded, then a public URL.
type Photo struct {
	ID        string    `bson:"id" json:"id"`
	URI       string    `bson:"uri" json:"uri"`
	Pose      PoseKind  `bson:"pose" json:"pose"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Profile represents an identity the user poses as
type Profile struct {
	ID          string    `bson:"_id" json:"id"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	Photos      []Photo   `bson:"photos" json:"photos"`
	Gender      *string   `bson:"gender,omitempty" json:"gender,omitempty"`
	IsDefault   bool      `bson:"is_default" json:"is_default"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// PrimaryPhoto returns the first photo of the profile.
func (p Profile) PrimaryPhoto() (Photo, bool) {
	if len(p.Photos) == 0 {
		return Photo{}, false
	}
	return p.Photos[0], true
}

func (p Profile) GenderTag() string {
	if p.Gender == nil {
		return ""
	}
	return *p.Gender
}

func (p Profile) Clone() Profile {
	out := p
	out.Photos = append([]Photo(nil), p.Photos...)
	if p.Gender != nil {
		g := *p.Gender
		out.Gender = &g
	}
	return out
}
