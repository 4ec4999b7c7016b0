package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed envelope")

// DecodeError describes why a frame body could not be turned into an envelope.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "malformed envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return ErrMalformed
}

func malformed(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// schema lists what one kind may carry. check runs after presence rules pass.
type schema struct {
	required Field
	optional Field
	check    func(*Envelope) error
}

var schemas = map[Kind]schema{
	KindAuth:           {optional: FieldLogin | FieldPassword | FieldToken, check: checkAuth},
	KindRegistration:   {required: FieldLogin | FieldPassword, optional: FieldName},
	KindMessage:        {required: FieldFromID | FieldRoomID | FieldText, optional: FieldCreationTime},
	KindCreateRoom:     {required: FieldFromID},
	KindInviteUser:     {required: FieldFromID | FieldToID | FieldRoomID},
	KindUninviteUser:   {required: FieldFromID | FieldToID | FieldRoomID},
	KindClientBan:      {required: FieldFromID | FieldToID | FieldUntil},
	KindClientUnban:    {required: FieldFromID | FieldToID},
	KindRoomList:       {required: FieldFromID},
	KindRoomMembers:    {required: FieldRoomID, optional: FieldFromID},
	KindMessageHistory: {required: FieldRoomID, optional: FieldFromID},
	KindGetClientName:  {required: FieldToID, optional: FieldFromID},
	KindAddFriend:      {required: FieldFromID | FieldToID},
	KindStopServer:     {optional: FieldFromID | FieldLogin | FieldPassword},
	KindRestartServer:  {optional: FieldFromID | FieldLogin | FieldPassword},

	KindAccepted: {optional: FieldFromID | FieldToID | FieldRoomID | FieldText | FieldToken |
		FieldIDs | FieldHistory | FieldUntil | FieldCreationTime},
	KindDenied:         {optional: FieldText | FieldUntil | FieldRoomID | FieldToID},
	KindError:          {optional: FieldText},
	KindKick:           {optional: FieldText | FieldUntil},
	KindNewRoomMember:  {required: FieldRoomID | FieldToID, optional: FieldFromID},
	KindMemberLeftRoom: {required: FieldRoomID | FieldToID, optional: FieldFromID},
}

func checkAuth(e *Envelope) error {
	if e.Has(FieldToken) || e.Has(FieldLogin|FieldPassword) {
		return nil
	}
	return malformed("AUTH needs login and password or a token")
}

// wireNames maps fields to their JSON keys, in encoding order.
var wireNames = []struct {
	field Field
	name  string
}{
	{FieldFromID, "fromId"},
	{FieldToID, "toId"},
	{FieldRoomID, "roomId"},
	{FieldText, "text"},
	{FieldLogin, "login"},
	{FieldPassword, "password"},
	{FieldName, "name"},
	{FieldToken, "token"},
	{FieldCreationTime, "creationTime"},
	{FieldUntil, "until"},
	{FieldIDs, "ids"},
	{FieldHistory, "history"},
}

func fieldByName(name string) (Field, bool) {
	for _, w := range wireNames {
		if w.name == name {
			return w.field, true
		}
	}
	return 0, false
}

func fieldName(f Field) string {
	for _, w := range wireNames {
		if w.field == f {
			return w.name
		}
	}
	return fmt.Sprintf("field(%d)", f)
}

// Known reports whether kind is part of the protocol.
func Known(kind Kind) bool {
	_, ok := schemas[kind]
	return ok
}

// Validate checks field presence against the kind's schema.
func Validate(e *Envelope) error {
	sc, ok := schemas[e.Kind]
	if !ok {
		return malformed("unknown kind %q", e.Kind)
	}
	if extra := e.fields &^ (sc.required | sc.optional); extra != 0 {
		return malformed("%s does not carry %s", e.Kind, describe(extra))
	}
	if missing := sc.required &^ e.fields; missing != 0 {
		return malformed("%s requires %s", e.Kind, describe(missing))
	}
	if sc.check != nil {
		return sc.check(e)
	}
	return nil
}

func describe(set Field) string {
	names := make([]string, 0, len(wireNames))
	for _, w := range wireNames {
		if set&w.field != 0 {
			names = append(names, w.name)
		}
	}
	return strings.Join(names, ", ")
}

// Encode renders a valid envelope as the UTF-8 text body of one frame.
func Encode(e *Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}

	obj := make(map[string]any, len(wireNames)+1)
	obj["kind"] = string(e.Kind)
	for _, w := range wireNames {
		if !e.Has(w.field) {
			continue
		}
		obj[w.name] = e.value(w.field)
	}
	return marshal(obj)
}

// marshal is json.Marshal without HTML escaping, so '<', '>' and '&' stay one
// byte each on the wire.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodedSize returns the length of e's frame body.
func EncodedSize(e *Envelope) (int, error) {
	body, err := Encode(e)
	if err != nil {
		return 0, err
	}
	return len(body), nil
}

// FitHistory returns the newest suffix of entries that e can carry without its
// body exceeding MaxFrameSize. Order is preserved, oldest first.
func FitHistory(e *Envelope, entries []HistoryEntry) ([]HistoryEntry, error) {
	empty := *e
	empty.WithHistory(nil)
	size, err := EncodedSize(&empty)
	if err != nil {
		return nil, err
	}

	n := 0
	for i := len(entries) - 1; i >= 0; i-- {
		b, err := marshal(entries[i])
		if err != nil {
			return nil, err
		}
		add := len(b)
		if n > 0 {
			add++ // separator
		}
		if size+add > MaxFrameSize {
			break
		}
		size += add
		n++
	}
	return entries[len(entries)-n:], nil
}

func (e *Envelope) value(f Field) any {
	switch f {
	case FieldFromID:
		return e.FromID
	case FieldToID:
		return e.ToID
	case FieldRoomID:
		return e.RoomID
	case FieldText:
		return e.Text
	case FieldLogin:
		return e.Login
	case FieldPassword:
		return e.Password
	case FieldName:
		return e.Name
	case FieldToken:
		return e.Token
	case FieldCreationTime:
		return e.CreationTime.UnixMilli()
	case FieldUntil:
		return e.Until.UnixMilli()
	case FieldIDs:
		return e.IDs
	case FieldHistory:
		return e.History
	}
	return nil
}

// Decode parses one frame body. Unknown kinds, unknown keys and fields the
// kind does not carry are all rejected.
func Decode(body []byte) (*Envelope, error) {
	if !utf8.Valid(body) {
		return nil, malformed("body is not valid UTF-8")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed("body is not an object: %v", err)
	}

	kindRaw, ok := raw["kind"]
	if !ok {
		return nil, malformed("missing kind")
	}
	var kind string
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		return nil, malformed("kind is not a string")
	}

	e := New(Kind(kind))
	if !Known(e.Kind) {
		return nil, malformed("unknown kind %q", kind)
	}

	for key, val := range raw {
		if key == "kind" {
			continue
		}
		f, ok := fieldByName(key)
		if !ok {
			return nil, malformed("unknown field %q", key)
		}
		if err := e.set(f, val); err != nil {
			return nil, malformed("field %s: %v", fieldName(f), err)
		}
	}

	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Envelope) set(f Field, val json.RawMessage) error {
	var err error
	switch f {
	case FieldFromID:
		err = json.Unmarshal(val, &e.FromID)
	case FieldToID:
		err = json.Unmarshal(val, &e.ToID)
	case FieldRoomID:
		err = json.Unmarshal(val, &e.RoomID)
	case FieldText:
		err = json.Unmarshal(val, &e.Text)
	case FieldLogin:
		err = json.Unmarshal(val, &e.Login)
	case FieldPassword:
		err = json.Unmarshal(val, &e.Password)
	case FieldName:
		err = json.Unmarshal(val, &e.Name)
	case FieldToken:
		err = json.Unmarshal(val, &e.Token)
	case FieldCreationTime:
		e.CreationTime, err = unmarshalMillis(val)
	case FieldUntil:
		e.Until, err = unmarshalMillis(val)
	case FieldIDs:
		err = json.Unmarshal(val, &e.IDs)
		if e.IDs == nil {
			e.IDs = []int64{}
		}
	case FieldHistory:
		err = json.Unmarshal(val, &e.History)
		if e.History == nil {
			e.History = []HistoryEntry{}
		}
	}
	if err != nil {
		return err
	}
	e.fields |= f
	return nil
}

func unmarshalMillis(val json.RawMessage) (time.Time, error) {
	var ms int64
	if err := json.Unmarshal(val, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
