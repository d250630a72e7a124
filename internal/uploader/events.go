package uploader

// EventType enumerates emitted upload events.
type EventType string

const (
	EventLabelCreated EventType = "label_created"
	EventLabelFailed  EventType = "label_failed"
	EventItemDone     EventType = "item_done"
	EventItemFailed   EventType = "item_failed"
)

// Event carries progress about one folder or one message file.
type Event struct {
	Type  EventType
	Path  string
	Label string
	Done  int
	Total int
	Err   error
}
