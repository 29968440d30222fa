package stream

// Broker destinations used by the backend.
const (
	TopicPrintStatus = "/topic/print-status"
	TopicPrintErrors = "/topic/print-errors"
	TopicHeartbeat   = "/topic/heartbeat"

	DestPrint     = "/app/print"
	DestHeartbeat = "/app/heartbeat"
)

// StoreTaskTopic carries new and updated task records for one store.
func StoreTaskTopic(storeID string) string { return "/topic/store/" + storeID + "/print-tasks" }

// StoreStatusTopic carries status-only updates for one store.
func StoreStatusTopic(storeID string) string { return "/topic/store/" + storeID + "/print-status" }

// Topics lists the subscriptions for a connection. Without a store id only
// the global topics are subscribed.
func Topics(storeID string) []string {
	var out []string
	if storeID != "" {
		out = append(out, StoreTaskTopic(storeID), StoreStatusTopic(storeID))
	}
	return append(out, TopicPrintStatus, TopicPrintErrors, TopicHeartbeat)
}

type topicKind int

const (
	kindUnknown topicKind = iota
	kindTask
	kindStatus
	kindError
	kindHeartbeat
)

func classify(storeID, dest string) topicKind {
	switch {
	case dest == TopicPrintStatus:
		return kindStatus
	case dest == TopicPrintErrors:
		return kindError
	case dest == TopicHeartbeat:
		return kindHeartbeat
	case storeID != "" && dest == StoreTaskTopic(storeID):
		return kindTask
	case storeID != "" && dest == StoreStatusTopic(storeID):
		return kindStatus
	default:
		return kindUnknown
	}
}
