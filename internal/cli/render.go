package cli

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(out io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	return t
}

func renderConsultations(out io.Writer, list []models.Consultation) {
	t := newTable(out, "Consultations")
	t.AppendHeader(table.Row{"ID", "Doctor A", "Doctor B", "Type", "Urgency", "Status", "Created"})
	for _, c := range list {
		t.AppendRow(table.Row{c.ID, c.DoctorAID, c.DoctorBID, c.ConsultationType, c.UrgencyLevel, c.Status, c.CreatedAt.Local().Format(timeLayout)})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "Total", len(list)})
	t.Render()
}

// renderMessages prints a chat transcript. Messages without an id are local
// copies still waiting for the store.
func renderMessages(out io.Writer, consultationID string, msgs []models.Message) {
	t := newTable(out, "Messages "+consultationID)
	t.AppendHeader(table.Row{"Time", "From", "Message", "State"})
	for _, m := range msgs {
		t.AppendRow(table.Row{m.CreatedAt.Local().Format(time.TimeOnly), m.SenderID, m.Content, messageState(m)})
	}
	t.Render()
}

func messageState(m models.Message) string {
	switch {
	case m.ID == "":
		return "sending"
	case m.ReadStatus:
		return "read"
	default:
		return "sent"
	}
}
