package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/uptrace/bun"
)

// User is the canonical identity record shared by both subsystems.
// Password holds the legacy bcrypt hash; IAMID links the IAM identity once migrated.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID            string         `bun:"id,pk,type:uuid" json:"id"`
	Email         string         `bun:"email,notnull,unique" json:"email"`
	Password      *string        `bun:"password" json:"-"`
	FirstName     string         `bun:"first_name" json:"firstName,omitempty"`
	LastName      string         `bun:"last_name" json:"lastName,omitempty"`
	Roles         StringList     `bun:"roles,type:jsonb,notnull,default:'[]'" json:"roles"`
	RefreshTokens DeviceSessions `bun:"refresh_tokens,type:jsonb,notnull,default:'{}'" json:"-"`
	TempTokens    TempTokens     `bun:"temp_tokens,type:jsonb,notnull,default:'{}'" json:"-"`
	IAMID         *string        `bun:"iam_id,unique" json:"iamId,omitempty"`
	Verified      bool           `bun:"verified,notnull,default:false" json:"verified"`
	CreatedAt     time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt     time.Time      `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// Clone returns a copy that shares no maps or slices with u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.RefreshTokens = u.RefreshTokens.Clone()
	c.TempTokens = maps.Clone(u.TempTokens)
	if u.Password != nil {
		p := *u.Password
		c.Password = &p
	}
	if u.IAMID != nil {
		id := *u.IAMID
		c.IAMID = &id
	}
	return &c
}

// HasPassword reports whether a legacy password hash is stored.
func (u *User) HasPassword() bool {
	return u.Password != nil && *u.Password != ""
}

// LinkedIAMID returns the linked IAM id or "".
func (u *User) LinkedIAMID() string {
	if u.IAMID == nil {
		return ""
	}
	return *u.IAMID
}

// DeviceSession is the per-device refresh token bookkeeping entry.
// TokenID must match the tokenId claim of the device's current refresh token.
type DeviceSession struct {
	DeviceID          string         `json:"deviceId"`
	DeviceDescription string         `json:"deviceDescription,omitempty"`
	TokenID           string         `json:"tokenId"`
	Data              map[string]any `json:"data,omitempty"`
}

// TempToken records the token id last issued to a device and when.
// CreatedAt is in unix milliseconds.
type TempToken struct {
	CreatedAt int64  `json:"createdAt"`
	DeviceID  string `json:"deviceId"`
	TokenID   string `json:"tokenId"`
}

// StringList is a JSON encoded string slice column.
type StringList []string

// Scan implements sql.Scanner for reading from database
func (l *StringList) Scan(value any) error {
	return scanJSON(value, l, func() { *l = StringList{} })
}

// Value implements driver.Valuer for writing to database
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return valueJSON(l)
}

// DeviceSessions maps device ids to their session entries.
type DeviceSessions map[string]DeviceSession

// Clone copies the map and each entry's data map.
func (d DeviceSessions) Clone() DeviceSessions {
	if d == nil {
		return nil
	}
	c := make(DeviceSessions, len(d))
	for k, v := range d {
		v.Data = maps.Clone(v.Data)
		c[k] = v
	}
	return c
}

// Scan implements sql.Scanner for reading from database
func (d *DeviceSessions) Scan(value any) error {
	return scanJSON(value, d, func() { *d = make(DeviceSessions) })
}

// Value implements driver.Valuer for writing to database
func (d DeviceSessions) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	return valueJSON(d)
}

// TempTokens maps device ids to their last issued token id.
type TempTokens map[string]TempToken

// Scan implements sql.Scanner for reading from database
func (t *TempTokens) Scan(value any) error {
	return scanJSON(value, t, func() { *t = make(TempTokens) })
}

// Value implements driver.Valuer for writing to database
func (t TempTokens) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	return valueJSON(t)
}

// scanJSON decodes a JSON column. PostgreSQL returns []byte, SQLite may return string.
func scanJSON(value any, dest any, empty func()) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		empty()
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scan %T: unsupported source type %T", dest, value)
	}
	if len(data) == 0 {
		empty()
		return nil
	}
	return json.Unmarshal(data, dest)
}

func valueJSON(v any) (driver.Value, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}
