package reconcile

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/db"
)

// InboundMessage is a rider's reply as received from the mailbox
type InboundMessage struct {
	MessageID  string
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Parsed is what could be read from an inbound message
type Parsed struct {
	Sender    string
	Action    model.Action
	RequestID string
}

var (
	errNoSender     = errors.New("sender address is missing or malformed")
	errNoRequest    = errors.New("message does not name a request")
	errManyRequests = errors.New("message names more than one request")
	errNoAction     = errors.New("message neither confirms nor declines")
)

var (
	wordPattern       = regexp.MustCompile(`[a-z]+(?:'[a-z]+)?`)
	hashRefPattern    = regexp.MustCompile(`#([A-Za-z0-9][A-Za-z0-9_-]*)`)
	requestRefPattern = regexp.MustCompile(`(?i)\brequest\s*(?:id\s*)?#?\s*([A-Za-z0-9_-]*[0-9][A-Za-z0-9_-]*)`)
	replyHeader       = regexp.MustCompile(`(?i)^on\s.+wrote:\s*$`)
)

var keywords = map[string]model.Action{
	"confirm":     model.ActionConfirm,
	"confirmed":   model.ActionConfirm,
	"yes":         model.ActionConfirm,
	"accept":      model.ActionConfirm,
	"accepted":    model.ActionConfirm,
	"available":   model.ActionConfirm,
	"decline":     model.ActionDecline,
	"declined":    model.ActionDecline,
	"no":          model.ActionDecline,
	"cannot":      model.ActionDecline,
	"can't":       model.ActionDecline,
	"cant":        model.ActionDecline,
	"unavailable": model.ActionDecline,
	"reject":      model.ActionDecline,
}

// ParseInbound reads the sender, the action and the request reference from a
// reply. Quoted text is ignored and the earliest action keyword wins. The
// request reference is looked for in the reply text, then in the subject.
func ParseInbound(from, subject, body string) (Parsed, error) {
	var p Parsed

	sender, err := senderAddress(from)
	if err != nil {
		return p, err
	}
	p.Sender = sender

	text := stripQuoted(body)

	refs := requestRefs(text)
	if len(refs) == 0 {
		refs = requestRefs(subject)
	}
	switch {
	case len(refs) > 1:
		return p, errManyRequests
	case len(refs) == 1:
		p.RequestID = refs[0]
	}

	p.Action = firstAction(text)
	if p.Action == "" {
		p.Action = firstAction(stripReplyPrefix(subject))
	}
	if p.Action == "" {
		return p, errNoAction
	}
	if p.RequestID == "" {
		return p, errNoRequest
	}
	return p, nil
}

func senderAddress(from string) (string, error) {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address), nil
	}
	s := strings.ToLower(strings.Trim(strings.TrimSpace(from), "<>"))
	if strings.Count(s, "@") != 1 || strings.ContainsAny(s, " \t") {
		return "", errNoSender
	}
	return s, nil
}

// stripQuoted drops the quoted part of a reply
func stripQuoted(body string) string {
	var kept []string
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if replyHeader.MatchString(trimmed) || strings.HasPrefix(trimmed, "-----Original Message-----") {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func stripReplyPrefix(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"), strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		default:
			return s
		}
	}
}

func requestRefs(text string) []string {
	var refs []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		refs = append(refs, id)
	}
	for _, m := range hashRefPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range requestRefPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return refs
}

func firstAction(text string) model.Action {
	normalised := strings.NewReplacer("’", "'", "‘", "'").Replace(strings.ToLower(text))
	for _, word := range wordPattern.FindAllString(normalised, -1) {
		if a, ok := keywords[word]; ok {
			return a
		}
	}
	return ""
}

// Ingest reconciles a rider's reply. A reply naming no request answers the
// sender's only open assignment. Replies that cannot be tied to an active
// rider and an assignment are logged as unresolved and returned as such.
func (r *Reconciler) Ingest(ctx context.Context, msg InboundMessage) (*Result, error) {
	const op = "ingest message"

	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = r.now()
	}
	ev := Event{
		Source:     model.SourceInboundMessage,
		Timestamp:  ts,
		RawPayload: rawPayload(msg),
	}

	parsed, err := ParseInbound(msg.From, msg.Subject, msg.Body)
	ev.Action, ev.RequestID = parsed.Action, parsed.RequestID
	noRequest := errors.Is(err, errNoRequest)
	if err != nil && !noRequest {
		if errors.Is(err, errNoAction) {
			return nil, model.ValidationError(op, "%v", err)
		}
		r.logUnresolved(ctx, ev, err)
		return nil, model.UnresolvedError(op, "%v", err)
	}

	riders, err := db.Load[db.Rider](ctx, r.store)
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	var matched []model.Rider
	for _, row := range riders {
		rider, err := model.RiderFromRow(row)
		if err != nil || rider.Status != model.RiderActive {
			continue
		}
		if rider.Email != "" && rider.Email == parsed.Sender {
			matched = append(matched, rider)
		}
	}
	if len(matched) != 1 {
		cause := errors.New("sender " + parsed.Sender + " is not an active rider")
		if len(matched) > 1 {
			cause = errors.New("sender " + parsed.Sender + " matches several riders")
		}
		r.logUnresolved(ctx, ev, cause)
		return nil, model.UnresolvedError(op, "%v", cause)
	}
	ev.RiderID = matched[0].ID

	// a reply without a reference is taken to answer the rider's one open assignment
	if noRequest {
		open, err := r.openAssignments(ctx, ev.RiderID)
		if err != nil {
			return nil, model.StoreError(op, err)
		}
		if len(open) != 1 {
			r.logUnresolved(ctx, ev, errNoRequest)
			return nil, model.UnresolvedError(op, "%v: rider %s has %d open assignments", errNoRequest, ev.RiderID, len(open))
		}
		ev.AssignmentID, ev.RequestID = open[0].ID, open[0].RequestID
	}

	r.logger.Debug("Parsed inbound message",
		zap.String("message_id", msg.MessageID),
		zap.String("rider_id", ev.RiderID),
		zap.String("request_id", ev.RequestID),
		zap.String("action", string(ev.Action)))

	return r.Reconcile(ctx, ev)
}

// openAssignments returns the rider's assignments still awaiting or holding
// a yes: Pending or Confirmed
func (r *Reconciler) openAssignments(ctx context.Context, riderID string) ([]db.Assignment, error) {
	rows, err := db.Load[db.Assignment](ctx, r.store)
	if err != nil {
		return nil, err
	}
	var open []db.Assignment
	for _, a := range rows {
		if a.RiderID != riderID {
			continue
		}
		status, err := model.ParseAssignmentStatus(a.Status)
		if err != nil {
			continue
		}
		if status == model.AssignmentPending || status == model.AssignmentConfirmed {
			open = append(open, a)
		}
	}
	return open, nil
}

func rawPayload(msg InboundMessage) string {
	var b strings.Builder
	if msg.MessageID != "" {
		b.WriteString("Message-ID: " + msg.MessageID + "\n")
	}
	b.WriteString("From: " + msg.From + "\n")
	b.WriteString("Subject: " + msg.Subject + "\n\n")
	b.WriteString(msg.Body)
	return b.String()
}
