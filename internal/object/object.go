package object

import (
	"errors"
	"fmt"
)

// Kind identifies the shape variant of a board object.
type Kind string

const (
	KindRect   Kind = "rect"
	KindCircle Kind = "circle"
	KindText   Kind = "text"
)

// Valid reports whether the kind is one of the known variants.
func (k Kind) Valid() bool {
	switch k {
	case KindRect, KindCircle, KindText:
		return true
	}
	return false
}

// ErrInvalid marks validation failures on objects and patches. Callers must
// not retry these.
var ErrInvalid = errors.New("invalid object")

// Object is a single board shape. OwnerID is empty when no lease is active;
// UpdatedAtMs orders whole-record merges and is non-decreasing per object as
// observed after merge.
type Object struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation,omitempty"`

	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Text        string  `json:"text,omitempty"`

	OwnerID       string `json:"ownerId,omitempty"`
	LeaseExpiryMs int64  `json:"leaseExpiryMs,omitempty"`

	CreatedBy   string `json:"createdBy"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Clone returns a copy of the object.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// Validate checks structural invariants. It is the only path that should
// surface a hard error to callers; contention outcomes never do.
func (o *Object) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, o.Kind)
	}
	if o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("%w: negative dimensions", ErrInvalid)
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched. UpdatedAtMs, when
// set, is authoritative (remote merge path); otherwise the applier stamps the
// current time.
type Patch struct {
	Kind     *Kind    `json:"kind,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`

	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Text        *string  `json:"text,omitempty"`

	OwnerID       *string `json:"ownerId,omitempty"`
	LeaseExpiryMs *int64  `json:"leaseExpiryMs,omitempty"`

	CreatedBy   *string `json:"createdBy,omitempty"`
	CreatedAtMs *int64  `json:"createdAtMs,omitempty"`
	UpdatedAtMs *int64  `json:"updatedAtMs,omitempty"`
}

// IsZero reports whether the patch carries no changes.
func (p Patch) IsZero() bool { return p == Patch{} }

// Apply merges the patch into o and stamps UpdatedAtMs. nowMs is used when
// the patch carries no authoritative timestamp.
func (p Patch) Apply(o *Object, nowMs int64) {
	if p.Kind != nil {
		o.Kind = *p.Kind
	}
	if p.X != nil {
		o.X = *p.X
	}
	if p.Y != nil {
		o.Y = *p.Y
	}
	if p.Width != nil {
		o.Width = *p.Width
	}
	if p.Height != nil {
		o.Height = *p.Height
	}
	if p.Rotation != nil {
		o.Rotation = *p.Rotation
	}
	if p.Fill != nil {
		o.Fill = *p.Fill
	}
	if p.Stroke != nil {
		o.Stroke = *p.Stroke
	}
	if p.StrokeWidth != nil {
		o.StrokeWidth = *p.StrokeWidth
	}
	if p.Text != nil {
		o.Text = *p.Text
	}
	if p.OwnerID != nil {
		o.OwnerID = *p.OwnerID
	}
	if p.LeaseExpiryMs != nil {
		o.LeaseExpiryMs = *p.LeaseExpiryMs
	}
	if p.CreatedBy != nil {
		o.CreatedBy = *p.CreatedBy
	}
	if p.CreatedAtMs != nil {
		o.CreatedAtMs = *p.CreatedAtMs
	}
	if p.UpdatedAtMs != nil {
		o.UpdatedAtMs = *p.UpdatedAtMs
	} else if nowMs > o.UpdatedAtMs {
		o.UpdatedAtMs = nowMs
	} else {
		// Same-millisecond edits must still order under strictly-greater
		// merges, so the stamp is kept strictly increasing per object.
		o.UpdatedAtMs++
	}
}

// FromObject builds a whole-record patch mirroring o, carrying o's
// UpdatedAtMs as authoritative. Used when applying remote records.
func FromObject(o *Object) Patch {
	kind := o.Kind
	x, y, w, h, rot := o.X, o.Y, o.Width, o.Height, o.Rotation
	fill, stroke, sw, text := o.Fill, o.Stroke, o.StrokeWidth, o.Text
	owner, exp := o.OwnerID, o.LeaseExpiryMs
	createdBy, createdAt, upd := o.CreatedBy, o.CreatedAtMs, o.UpdatedAtMs
	return Patch{
		Kind: &kind,
		X:    &x, Y: &y, Width: &w, Height: &h, Rotation: &rot,
		Fill: &fill, Stroke: &stroke, StrokeWidth: &sw, Text: &text,
		OwnerID: &owner, LeaseExpiryMs: &exp,
		CreatedBy: &createdBy, CreatedAtMs: &createdAt, UpdatedAtMs: &upd,
	}
}
