package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// URIList accepts both a single URL and an array of URLs.
type URIList []string

func (l *URIList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = URIList{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Single returns the only entry of the list, or "" when it holds zero or
// several entries.
func (l URIList) Single() string {
	if len(l) != 1 {
		return ""
	}
	return l[0]
}

func (l URIList) Contains(uri string) bool {
	for _, u := range l {
		if u == uri {
			return true
		}
	}
	return false
}

// ObjectRef is an object given either by URL or embedded. Raw keeps the
// embedded form.
type ObjectRef struct {
	ID   string
	Type string
	Raw  json.RawMessage
}

func (o *ObjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &o.ID)
	}
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	o.ID = head.ID
	o.Type = head.Type
	o.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (o ObjectRef) MarshalJSON() ([]byte, error) {
	if len(o.Raw) > 0 {
		return o.Raw, nil
	}
	return json.Marshal(o.ID)
}

// ActivityCommon holds the envelope fields every activity shares.
type ActivityCommon struct {
	Context any     `json:"@context,omitempty"`
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Actor   string  `json:"actor"`
	To      URIList `json:"to,omitempty"`
	Cc      URIList `json:"cc,omitempty"`
}

func (c *ActivityCommon) Common() *ActivityCommon { return c }

func (c *ActivityCommon) validate() error {
	if !isAbsoluteHTTP(c.ID) {
		return fmt.Errorf("%w: id %q is not an absolute URL", ErrMalformedActivity, c.ID)
	}
	if !isAbsoluteHTTP(c.Actor) {
		return fmt.Errorf("%w: actor %q is not an absolute URL", ErrMalformedActivity, c.Actor)
	}
	return nil
}

func newCommon(localDomain, activityType, actor string, to ...string) ActivityCommon {
	return ActivityCommon{
		Context: ContextActivityStreams,
		ID:      NewActivityURI(localDomain, activityType),
		Type:    activityType,
		Actor:   actor,
		To:      to,
	}
}

// ContentObject is a Page (post) or ChatMessage (private message).
type ContentObject struct {
	Context      any        `json:"@context,omitempty"`
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	To           URIList    `json:"to,omitempty"`
	Cc           URIList    `json:"cc,omitempty"`
	Audience     string     `json:"audience,omitempty"`
	Name         string     `json:"name,omitempty"`
	Content      string     `json:"content,omitempty"`
	MediaType    string     `json:"mediaType,omitempty"`
	Source       *Source    `json:"source,omitempty"`
	URL          string     `json:"url,omitempty"`
	Sensitive    bool       `json:"sensitive,omitempty"`
	Published    *time.Time `json:"published,omitempty"`
	Updated      *time.Time `json:"updated,omitempty"`
}

// Source carries the original markdown of the content.
type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

// text prefers the markdown source over rendered HTML.
func (o *ContentObject) text() string {
	if o.Source != nil && o.Source.Content != "" {
		return o.Source.Content
	}
	return o.Content
}
