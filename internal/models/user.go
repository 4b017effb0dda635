package models

import "time"

// FavoriteCity is one saved location in a user's favorites.
type FavoriteCity struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Country string    `json:"country"`
	State   string    `json:"state,omitempty"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	AddedAt time.Time `json:"addedAt"`
}

// FavoriteInput carries every FavoriteCity field except AddedAt, which is
// always set by the server at insertion time. Lat and Lon are pointers so an
// omitted coordinate is distinguishable from 0.
type FavoriteInput struct {
	ID      string   `json:"id" validate:"required,max=64"`
	Name    string   `json:"name" validate:"required,max=200"`
	Country string   `json:"country" validate:"required,max=100"`
	State   string   `json:"state,omitempty" validate:"max=100"`
	Lat     *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon     *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// User is the per-user document. Favorites is one field among others owned by
// the auth/profile collaborator; the document is always saved whole.
type User struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Favorites []FavoriteCity `json:"favoriteCities"`
	// Version is incremented on every successful save and checked by the store
	// to reject writes based on a stale read.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate favorites without aliasing a
// stored document.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Favorites != nil {
		c.Favorites = make([]FavoriteCity, len(u.Favorites))
		copy(c.Favorites, u.Favorites)
	}
	return &c
}
