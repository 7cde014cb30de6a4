// Package telegram defines the remote-service surface the backup engine
// is written against: entity and message models, the tagged media
// descriptor variants, the client interfaces, and error classification.
// Concrete MTProto transports register a Dialer; the engine itself never
// talks to the network directly.
package telegram

import (
	"strconv"
	"time"
)

// EntityKind discriminates conversation endpoint types.
type EntityKind string

// Entity kinds.
const (
	EntityUser       EntityKind = "user"
	EntityGroup      EntityKind = "group"
	EntityChannel    EntityKind = "channel"
	EntitySupergroup EntityKind = "supergroup"
)

// Entity is a remote conversation endpoint.
type Entity struct {
	ID   int64
	Name string
	Kind EntityKind

	// Forbidden marks entities the session cannot access (e.g. a channel
	// the account was removed from). The pipeline skips these.
	Forbidden bool
}

// Message is a single archived message as delivered by the remote
// service. Media is nil when the message carries no attachment.
type Message struct {
	ID         int64
	Date       time.Time
	Text       string
	FromID     string
	SenderName string
	Views      int
	Pinned     bool

	Forward   *ForwardInfo
	ReplyTo   *ReplyInfo
	Reactions []Reaction
	Buttons   [][]Button
	Service   *ServiceAction
	Media     Media
}

// ForwardInfo records the origin of a forwarded message.
type ForwardInfo struct {
	ChannelID   int64
	ChannelPost int64
	FromName    string
}

// URL returns the public permalink of the forwarded source post, or ""
// when the origin is not a channel post.
func (f *ForwardInfo) URL() string {
	if f == nil || f.ChannelID == 0 || f.ChannelPost == 0 {
		return ""
	}

	return "https://t.me/c/" + strconv.FormatInt(f.ChannelID, 10) +
		"/" + strconv.FormatInt(f.ChannelPost, 10)
}

// ReplyInfo links a message to the message it replies to.
type ReplyInfo struct {
	MsgID int64
	Quote string
}

// Reaction is one emoji reaction aggregate on a message.
type Reaction struct {
	Emoji string
	Count int
}

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
	URL  string
}

// Media is the tagged variant over remote attachment descriptors.
// Implementations: *Photo, *Document, *WebPage.
type Media interface {
	// Kind returns the discriminator stored in the message row.
	Kind() string
}

// Photo is a compressed image attachment. The service offers several
// renditions; Sizes lists them all and the largest is canonical.
type Photo struct {
	ID         int64
	AccessHash int64
	Sizes      []PhotoSize
}

// PhotoSize is one rendition of a photo.
type PhotoSize struct {
	Width  int
	Height int
	Bytes  int64
}

// Kind implements Media.
func (*Photo) Kind() string { return "photo" }

// Largest returns the biggest rendition, or a zero PhotoSize when the
// descriptor carries none.
func (p *Photo) Largest() PhotoSize {
	var best PhotoSize
	for _, s := range p.Sizes {
		if s.Bytes > best.Bytes {
			best = s
		}
	}

	return best
}

// Document is any non-photo attachment: video, audio, voice note,
// sticker, or plain file. Attrs carries the declared attributes.
type Document struct {
	ID         int64
	AccessHash int64
	Mime       string
	Size       int64
	Attrs      []DocumentAttr
}

// Kind implements Media.
func (*Document) Kind() string { return "document" }

// Voice reports whether the document is a voice note.
func (d *Document) Voice() bool {
	for _, a := range d.Attrs {
		if audio, ok := a.(AudioAttr); ok && audio.Voice {
			return true
		}
	}

	return false
}

// DocumentAttr is the tagged variant over document attributes.
// Implementations: FilenameAttr, VideoAttr, AudioAttr.
type DocumentAttr interface {
	attr()
}

// FilenameAttr declares the original filename.
type FilenameAttr struct {
	Name string
}

// VideoAttr declares video duration and resolution.
type VideoAttr struct {
	Duration int64
	Width    int64
	Height   int64
}

// AudioAttr declares audio duration and the voice-note flag.
type AudioAttr struct {
	Duration int64
	Voice    bool
}

func (FilenameAttr) attr() {}
func (VideoAttr) attr()    {}
func (AudioAttr) attr()    {}

// WebPage is a link-preview snapshot attached to a message. It carries
// no downloadable blob of its own.
type WebPage struct {
	URL         string
	Title       string
	Description string
	SiteName    string
	HasPhoto    bool
}

// Kind implements Media.
func (*WebPage) Kind() string { return "webpage" }

// FileRef identifies a downloadable blob on the remote service.
type FileRef struct {
	ID         int64
	AccessHash int64
	Kind       string
}

// FileID returns the string form of the remote file identifier, used
// for deterministic on-disk names and index lookups.
func (r FileRef) FileID() string {
	if r.ID == 0 {
		return ""
	}

	return strconv.FormatInt(r.ID, 10)
}

// Ref extracts the downloadable FileRef from a media descriptor.
// WebPage and unknown variants return a zero ref (no blob).
func Ref(m Media) FileRef {
	switch v := m.(type) {
	case *Photo:
		return FileRef{ID: v.ID, AccessHash: v.AccessHash, Kind: v.Kind()}
	case *Document:
		return FileRef{ID: v.ID, AccessHash: v.AccessHash, Kind: v.Kind()}
	default:
		return FileRef{}
	}
}
