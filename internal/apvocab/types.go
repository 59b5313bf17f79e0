// Package apvocab defines the ActivityStreams/ActivityPub vocabulary types
// exchanged over the federation HTTP surface.
package apvocab

import "encoding/json"

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
)

// DefaultContext is the JSON-LD @context emitted on every actor/object/activity.
var DefaultContext = []any{
	ActivityStreamsNS,
	SecurityNS,
}

// StringOrArray unmarshals either a bare JSON string or a JSON array of
// strings into a []string — the to/cc/type fields of ActivityPub objects are
// routinely either shape depending on the sender.
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = arr
	return nil
}

func (s StringOrArray) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// PublicKey is the actor's HTTP-signature verification key.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is a small media reference (icon/avatar).
type Image struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Actor is a Person representing one local AT-Protocol account or a remote
// Fediverse account fetched over the wire.
type Actor struct {
	Context           []any      `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Icon              *Image     `json:"icon,omitempty"`
	Image             *Image     `json:"image,omitempty"`
	URL               string     `json:"url,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox"`
	Followers         string     `json:"followers"`
	Following         string     `json:"following"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`
	AssertionMethod   []Ed25519AssertionMethod `json:"assertionMethod,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
}

// Endpoints carries the shared-inbox optimization: servers with many local
// actors advertise one inbox URL to receive deliveries for all of them.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Ed25519AssertionMethod is the FEP-521a multikey assertion used alongside
// the legacy RSA publicKey field so Ed25519-only verifiers can validate
// signatures too.
type Ed25519AssertionMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Attachment is a media Document embedded in a Note.
type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// OrderedCollection is an empty or page-sliced ActivityStreams collection.
type OrderedCollection struct {
	Context      []any  `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   int    `json:"totalItems"`
	First        string `json:"first,omitempty"`
	OrderedItems []any  `json:"orderedItems,omitempty"`
	Next         string `json:"next,omitempty"`
}

// Note is an ActivityPub post.
type Note struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	AttributedTo string        `json:"attributedTo"`
	Content      string        `json:"content"`
	ContentMap   map[string]string `json:"contentMap,omitempty"`
	URL          string        `json:"url,omitempty"`
	Published    string        `json:"published,omitempty"`
	To           StringOrArray `json:"to,omitempty"`
	CC           StringOrArray `json:"cc,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Attachment   []Attachment  `json:"attachment,omitempty"`
	Replies      *OrderedCollection `json:"replies,omitempty"`
	Likes        *OrderedCollection `json:"likes,omitempty"`
	Shares       *OrderedCollection `json:"shares,omitempty"`
}

// Activity is an outbound/inbound ActivityPub activity wrapping an object.
type Activity struct {
	Context   []any         `json:"@context,omitempty"`
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Actor     string        `json:"actor"`
	Object    any           `json:"object"`
	Target    string        `json:"target,omitempty"`
	To        StringOrArray `json:"to,omitempty"`
	CC        StringOrArray `json:"cc,omitempty"`
	Published string        `json:"published,omitempty"`
	URL       string        `json:"url,omitempty"`
}

// IncomingActivity is the lenient inbound shape: Object/Target are kept raw
// so handlers can branch on the embedded type before committing to a struct.
type IncomingActivity struct {
	Context json.RawMessage `json:"@context,omitempty"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
	Target  json.RawMessage `json:"target,omitempty"`
	To      StringOrArray   `json:"to,omitempty"`
	CC      StringOrArray   `json:"cc,omitempty"`
}

// WithContext returns v re-marshaled with "@context" injected as the first
// key, for types (like bare maps) that don't carry their own Context field.
func WithContext(v any, ctx []any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["@context"] = ctx
	return m, nil
}

// WebFingerResponse is the discovery document returned at
// /.well-known/webfinger?resource=acct:user@host.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo is the NodeInfo 2.1 discovery document.
type NodeInfo struct {
	Version  string           `json:"version"`
	Software NodeInfoSoftware `json:"software"`
	Protocols []string        `json:"protocols"`
	Usage    NodeInfoUsage    `json:"usage"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Homepage   string `json:"homepage,omitempty"`
	Repository string `json:"repository,omitempty"`
}

type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
	LocalPosts    int `json:"localPosts"`
	LocalComments int `json:"localComments"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}
