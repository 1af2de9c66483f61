package dispatch

type TopicKind string

const (
	KindRide  TopicKind = "ride"
	KindUser  TopicKind = "user"
	KindPool  TopicKind = "pool"
	KindFleet TopicKind = "fleet"
)

// Topic names a fan-out group of connections.
type Topic struct {
	Kind TopicKind
	ID   string
}

func RideTopic(id string) Topic { return Topic{Kind: KindRide, ID: id} }
func UserTopic(id string) Topic { return Topic{Kind: KindUser, ID: id} }
func PoolTopic(id string) Topic { return Topic{Kind: KindPool, ID: id} }

// FleetTopic is the live-map observer group.
func FleetTopic() Topic { return Topic{Kind: KindFleet} }

func (t Topic) String() string {
	if t.ID == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.ID
}

// Message is the wire envelope for both directions.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
