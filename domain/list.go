package domain

import (
	"strings"
	"time"
)

// AllListsID is the id of the synthesized view aggregating every list of an owner.
const AllListsID = "all-lists"

// Color is the accent color of a list.
type Color string

const (
	ColorBlue   Color = "blue"
	ColorGreen  Color = "green"
	ColorRed    Color = "red"
	ColorYellow Color = "yellow"
	ColorPurple Color = "purple"
	ColorOrange Color = "orange"
	ColorPink   Color = "pink"
	ColorGray   Color = "gray"
)

// Valid reports whether c is a known color.
func (c Color) Valid() bool {
	switch c {
	case ColorBlue, ColorGreen, ColorRed, ColorYellow, ColorPurple, ColorOrange, ColorPink, ColorGray:
		return true
	}
	return false
}

// List groups tasks of one owner.
type List struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       Color     `json:"color"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Owner       string    `json:"owner"`
	UpdatedAt   time.Time `json:"updatedAt"`
	IsAllLists  bool      `json:"isAllLists,omitempty"`
	Tasks       []Task    `json:"tasks,omitempty"`
}

// Info is the denormalized copy embedded into aggregate task records.
func (l List) Info() ListInfo {
	return ListInfo{ID: l.ID, Title: l.Title, Color: l.Color, ImageURL: l.ImageURL}
}

// ListInfo is a read-only snapshot of the owning list carried by tasks in the all lists view.
type ListInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Color    Color  `json:"color"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// NewList carries the fields accepted by list creation.
type NewList struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       Color  `json:"color"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// Validate normalises the request and reports invalid fields.
func (n *NewList) Validate() error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return Invalid("title is required")
	}
	if n.Color == "" {
		n.Color = ColorBlue
	}
	if !n.Color.Valid() {
		return Invalid("unknown color %q", n.Color)
	}
	return nil
}

// ListPatch is a partial list update.
type ListPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *Color  `json:"color,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
}

// Validate rejects empty patches, blank titles and unknown colors.
func (p ListPatch) Validate() error {
	if p.Title == nil && p.Description == nil && p.Color == nil && p.ImageURL == nil {
		return Invalid("update had no fields")
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return Invalid("title is required")
	}
	if p.Color != nil && !p.Color.Valid() {
		return Invalid("unknown color %q", *p.Color)
	}
	return nil
}

// Apply merges the patch into l.
func (p ListPatch) Apply(l *List) {
	if p.Title != nil {
		l.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		l.Description = *p.Description
	}
	if p.Color != nil {
		l.Color = *p.Color
	}
	if p.ImageURL != nil {
		l.ImageURL = *p.ImageURL
	}
}
