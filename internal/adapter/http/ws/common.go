package wshandler

import (
	"github.com/google/uuid"

	ws "github.com/Temutjin2k/trip-dispatch-system/pkg/wsHub"
)

type ackMessage struct {
	MsgType string    `json:"type"`
	Of      string    `json:"of"`
	TripID  uuid.UUID `json:"trip_id"`
	Result  string    `json:"result"`
}

type errorMessage struct {
	MsgType string `json:"type"`
	Error   string `json:"error"`
}

func sendAck(conn *ws.Conn, of string, tripID uuid.UUID, result string) {
	_ = conn.Send(ackMessage{MsgType: "ack", Of: of, TripID: tripID, Result: result})
}

func sendError(conn *ws.Conn, msg string) {
	_ = conn.Send(errorMessage{MsgType: "error", Error: msg})
}
