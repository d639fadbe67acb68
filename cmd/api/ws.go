package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/copyforge/pipeline/internal/delivery"
	"github.com/copyforge/pipeline/internal/metrics"
	"github.com/copyforge/pipeline/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the app origin; token possession is
	// what actually gates the stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const attachDeadline = 10 * time.Second

// streamGeneration upgrades the connection and binds it to a job stream.
// The client's first frame must be an attach carrying a single-use stream
// ticket; nothing is delivered before the ticket checks out.
func (api *API) streamGeneration(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(attachDeadline))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}

	var attach models.Frame
	if err := json.Unmarshal(data, &attach); err != nil || attach.Type != models.FrameAttach || attach.Ticket == "" {
		writeErrorFrame(conn, "invalid", "First frame must be an attach with a stream ticket")
		return
	}

	accountID, jobID, err := api.authority.ConsumeTicket(c.Request.Context(), attach.Ticket)
	if err != nil {
		metrics.RecordAuthFailure("stream_ticket")
		writeErrorFrame(conn, "invalid", "Stream ticket rejected")
		return
	}

	sess := delivery.NewSession()
	if err := api.orch.Hub().Attach(sess, jobID, attach.LastSeq); err != nil {
		writeErrorFrame(conn, "session_lost", "Stream is gone; fetch the job status instead")
		return
	}
	defer api.orch.Hub().Detach(sess)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	if attach.LastSeq > 0 {
		metrics.SessionResumes.Inc()
	}

	delivery.ConfigureConn(conn)
	go sess.WritePump(conn)

	log := api.log.WithJobID(jobID).WithAccountID(accountID).WithSessionID(sess.ID)
	log.Debug("Delivery session opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("Delivery session closed")
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case models.FrameCancel:
			if err := api.orch.Cancel(c.Request.Context(), accountID, jobID); err != nil {
				log.WithError(err).Debug("Cancel over stream rejected")
			}
		}

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

func writeErrorFrame(conn *websocket.Conn, code, message string) {
	frame := models.Frame{Type: models.FrameError, Code: code, Message: message}
	data, err := frame.Marshal()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.TextMessage, data)
}
