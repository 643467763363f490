package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// the fine-grained kinds name a single item.
// `Refresh` is the coarse legacy form and names only the folder that changed.
type EventKind string

const (
	EventKindCreated  EventKind = "Created"
	EventKindUpdated  EventKind = "Updated"
	EventKindLocked   EventKind = "Locked"
	EventKindUnlocked EventKind = "Unlocked"
	EventKindMoved    EventKind = "Moved"
	EventKindDeleted  EventKind = "Deleted"
	EventKindRefresh  EventKind = "Refresh"
)

// wire tag (lower case) -> kind
// both protocol versions are accepted. the legacy version sends `delete` and `refresh`
var wireEventKinds = map[string]EventKind{
	"created":  EventKindCreated,
	"updated":  EventKindUpdated,
	"locked":   EventKindLocked,
	"unlocked": EventKindUnlocked,
	"moved":    EventKindMoved,
	"deleted":  EventKindDeleted,
	"delete":   EventKindDeleted,
	"refresh":  EventKindRefresh,
}

// sorted wire tags accepted by `ParseEventKind`
func WireEventKinds() []string {
	tags := maps.Keys(wireEventKinds)
	slices.Sort(tags)
	return tags
}

func ParseEventKind(tag string) (EventKind, error) {
	if kind, ok := wireEventKinds[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("Unknown event kind: %s", tag)
}

func (self EventKind) WireTag() string {
	return strings.ToLower(string(self))
}

type ChangeEvent struct {
	Kind EventKind
	// server-rooted path of the affected item
	ItemPath string
	// `Moved` only
	TargetPath string
	// `Refresh` only
	FolderPath string
}

func (self *ChangeEvent) Validate() error {
	switch self.Kind {
	case EventKindCreated, EventKindUpdated, EventKindLocked, EventKindUnlocked, EventKindDeleted:
		if self.ItemPath == "" {
			return fmt.Errorf("%s event missing itemPath", self.Kind)
		}
	case EventKindMoved:
		if self.ItemPath == "" {
			return fmt.Errorf("%s event missing itemPath", self.Kind)
		}
		if self.TargetPath == "" {
			return fmt.Errorf("%s event missing targetPath", self.Kind)
		}
	case EventKindRefresh:
		if self.FolderPath == "" {
			return fmt.Errorf("%s event missing folderPath", self.Kind)
		}
	case "":
		return errors.New("Event missing kind")
	default:
		return fmt.Errorf("Unknown event kind: %s", self.Kind)
	}
	return nil
}

func (self *ChangeEvent) String() string {
	switch self.Kind {
	case EventKindMoved:
		return fmt.Sprintf("%s(%s->%s)", self.Kind, self.ItemPath, self.TargetPath)
	case EventKindRefresh:
		return fmt.Sprintf("%s(%s)", self.Kind, self.FolderPath)
	default:
		return fmt.Sprintf("%s(%s)", self.Kind, self.ItemPath)
	}
}

// flat wire object. `kind` is preferred, `eventType` is the older tag key
type changeEventJson struct {
	Kind       string `json:"kind,omitempty"`
	EventType  string `json:"eventType,omitempty"`
	ItemPath   string `json:"itemPath,omitempty"`
	TargetPath string `json:"targetPath,omitempty"`
	FolderPath string `json:"folderPath,omitempty"`
}

func (self *changeEventJson) toChangeEvent() (*ChangeEvent, error) {
	tag := self.Kind
	if tag == "" {
		tag = self.EventType
	}
	if tag == "" {
		return nil, errors.New("Message missing kind")
	}
	kind, err := ParseEventKind(tag)
	if err != nil {
		return nil, err
	}
	return &ChangeEvent{
		Kind:       kind,
		ItemPath:   self.ItemPath,
		TargetPath: self.TargetPath,
		FolderPath: self.FolderPath,
	}, nil
}

func newChangeEventJson(event *ChangeEvent) *changeEventJson {
	return &changeEventJson{
		Kind:       event.Kind.WireTag(),
		ItemPath:   event.ItemPath,
		TargetPath: event.TargetPath,
		FolderPath: event.FolderPath,
	}
}

// decodes a text frame. the result is not validated
func DecodeChangeEventJson(message []byte) (*ChangeEvent, error) {
	var wire changeEventJson
	if err := json.Unmarshal(message, &wire); err != nil {
		return nil, err
	}
	return wire.toChangeEvent()
}

func EncodeChangeEventJson(event *ChangeEvent) ([]byte, error) {
	return json.Marshal(newChangeEventJson(event))
}

// decodes a binary frame holding a `google.protobuf.Struct` with the same flat fields
// as the json form. the result is not validated
func DecodeChangeEventProto(message []byte) (*ChangeEvent, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(message, s); err != nil {
		return nil, err
	}
	fields := s.GetFields()
	stringField := func(name string) (string, error) {
		value, ok := fields[name]
		if !ok {
			return "", nil
		}
		if _, ok := value.GetKind().(*structpb.Value_StringValue); !ok {
			return "", fmt.Errorf("Message field %s is not a string", name)
		}
		return value.GetStringValue(), nil
	}

	var wire changeEventJson
	for name, out := range map[string]*string{
		"kind":       &wire.Kind,
		"eventType":  &wire.EventType,
		"itemPath":   &wire.ItemPath,
		"targetPath": &wire.TargetPath,
		"folderPath": &wire.FolderPath,
	} {
		value, err := stringField(name)
		if err != nil {
			return nil, err
		}
		*out = value
	}
	return wire.toChangeEvent()
}

func EncodeChangeEventProto(event *ChangeEvent) ([]byte, error) {
	wire := newChangeEventJson(event)
	fields := map[string]any{
		"kind": wire.Kind,
	}
	if wire.ItemPath != "" {
		fields["itemPath"] = wire.ItemPath
	}
	if wire.TargetPath != "" {
		fields["targetPath"] = wire.TargetPath
	}
	if wire.FolderPath != "" {
		fields["folderPath"] = wire.FolderPath
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
