package ws

import (
	"encoding/json"
	"time"

	"petwatch/internal/pipeline"
)

// Message types pushed to UI clients
const (
	TypePublication = "publication"
	TypeHello       = "hello"
)

// PublicationMessage wraps a pipeline publication for the wire
type PublicationMessage struct {
	Type string `json:"type"` // "publication"
	*pipeline.Publication
}

// HelloMessage is sent once when a client connects
type HelloMessage struct {
	Type       string    `json:"type"` // "hello"
	ServerTime time.Time `json:"server_time"`
	Clients    int       `json:"clients"`
}

// EncodePublication marshals a publication message
func EncodePublication(pub *pipeline.Publication) ([]byte, error) {
	return json.Marshal(PublicationMessage{Type: TypePublication, Publication: pub})
}
