// Package proto defines the envelopes exchanged between chat clients and the
// server and the length-prefixed frame codec that carries them.
package proto

import "time"

// Kind names what an envelope asks for or reports.
type Kind string

// Client requests.
const (
	KindAuth           Kind = "AUTH"
	KindRegistration   Kind = "REGISTRATION"
	KindMessage        Kind = "MESSAGE"
	KindCreateRoom     Kind = "CREATE_ROOM"
	KindInviteUser     Kind = "INVITE_USER"
	KindUninviteUser   Kind = "UNINVITE_USER"
	KindClientBan      Kind = "CLIENTBAN"
	KindClientUnban    Kind = "CLIENTUNBAN"
	KindRoomList       Kind = "ROOM_LIST"
	KindRoomMembers    Kind = "ROOM_MEMBERS"
	KindMessageHistory Kind = "MESSAGE_HISTORY"
	KindGetClientName  Kind = "GET_CLIENT_NAME"
	KindAddFriend      Kind = "ADD_FRIEND"
	KindStopServer     Kind = "STOP_SERVER"
	KindRestartServer  Kind = "RESTART_SERVER"
)

// Server responses and notifications. MESSAGE is also pushed to room members.
const (
	KindAccepted       Kind = "ACCEPTED"
	KindDenied         Kind = "DENIED"
	KindError          Kind = "ERROR"
	KindKick           Kind = "KICK"
	KindNewRoomMember  Kind = "NEW_ROOM_MEMBER"
	KindMemberLeftRoom Kind = "MEMBER_LEFT_ROOM"
)

// Field is a bit identifying one optional envelope field.
type Field uint16

const (
	FieldFromID Field = 1 << iota
	FieldToID
	FieldRoomID
	FieldText
	FieldLogin
	FieldPassword
	FieldName
	FieldToken
	FieldCreationTime
	FieldUntil
	FieldIDs
	FieldHistory
)

// HistoryEntry is one stored room message as sent in MESSAGE_HISTORY replies.
type HistoryEntry struct {
	FromID       int64  `json:"fromId"`
	Text         string `json:"text"`
	CreationTime int64  `json:"creationTime"`
}

// Envelope is one discrete application message. Only fields marked present
// are encoded; use Has to tell an unset field from a zero value.
type Envelope struct {
	Kind         Kind
	FromID       int64
	ToID         int64
	RoomID       int64
	Text         string
	Login        string
	Password     string
	Name         string
	Token        string
	CreationTime time.Time
	Until        time.Time
	IDs          []int64
	History      []HistoryEntry

	fields Field
}

// New returns an envelope of the given kind with no fields set.
func New(kind Kind) *Envelope {
	return &Envelope{Kind: kind}
}

// Has reports whether every field in f is present.
func (e *Envelope) Has(f Field) bool {
	return e.fields&f == f
}

// Fields returns the set of present fields.
func (e *Envelope) Fields() Field {
	return e.fields
}

func (e *Envelope) WithFromID(id int64) *Envelope {
	e.FromID = id
	e.fields |= FieldFromID
	return e
}

func (e *Envelope) WithToID(id int64) *Envelope {
	e.ToID = id
	e.fields |= FieldToID
	return e
}

func (e *Envelope) WithRoomID(id int64) *Envelope {
	e.RoomID = id
	e.fields |= FieldRoomID
	return e
}

func (e *Envelope) WithText(text string) *Envelope {
	e.Text = text
	e.fields |= FieldText
	return e
}

// WithCredentials sets login and password together.
func (e *Envelope) WithCredentials(login, password string) *Envelope {
	e.Login = login
	e.Password = password
	e.fields |= FieldLogin | FieldPassword
	return e
}

func (e *Envelope) WithLogin(login string) *Envelope {
	e.Login = login
	e.fields |= FieldLogin
	return e
}

func (e *Envelope) WithName(name string) *Envelope {
	e.Name = name
	e.fields |= FieldName
	return e
}

func (e *Envelope) WithToken(token string) *Envelope {
	e.Token = token
	e.fields |= FieldToken
	return e
}

func (e *Envelope) WithCreationTime(t time.Time) *Envelope {
	e.CreationTime = t
	e.fields |= FieldCreationTime
	return e
}

func (e *Envelope) WithUntil(t time.Time) *Envelope {
	e.Until = t
	e.fields |= FieldUntil
	return e
}

func (e *Envelope) WithIDs(ids []int64) *Envelope {
	if ids == nil {
		ids = []int64{}
	}
	e.IDs = ids
	e.fields |= FieldIDs
	return e
}

func (e *Envelope) WithHistory(history []HistoryEntry) *Envelope {
	if history == nil {
		history = []HistoryEntry{}
	}
	e.History = history
	e.fields |= FieldHistory
	return e
}

// Accepted, Denied, Fail and Kick build the common server replies.

func Accepted() *Envelope { return New(KindAccepted) }

func Denied(reason string) *Envelope { return New(KindDenied).WithText(reason) }

func Fail(reason string) *Envelope { return New(KindError).WithText(reason) }

func Kick(reason string) *Envelope { return New(KindKick).WithText(reason) }
