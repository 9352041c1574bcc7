package dtc

import "errors"

// Command is a diagnostic tool request verb.
type Command string

const (
	CommandList    Command = "LIST"
	CommandReadOne Command = "READ_ONE"
	CommandClear   Command = "CLEAR"
	CommandSession Command = "SESSION"
)

// ResultCode is the outcome field of a response.
type ResultCode string

const (
	ResultOK                 ResultCode = "OK"
	ResultNotFound           ResultCode = "NOT_FOUND"
	ResultSessionNotAllowed  ResultCode = "SESSION_NOT_ALLOWED"
	ResultPreconditionNotMet ResultCode = "PRECONDITION_NOT_MET"
)

// Request is the tool-facing wire shape, field order fixed.
type Request struct {
	Command      Command `json:"command"`
	SessionToken string  `json:"session_token,omitempty"`
	EventID      EventID `json:"event_id,omitempty"`
	StatusFilter string  `json:"status_filter,omitempty"`
	SessionMode  string  `json:"session_mode,omitempty"`
}

// EventRecord is one event in a response, field order fixed.
type EventRecord struct {
	EventID           EventID      `json:"event_id"`
	Status            StatusBits   `json:"status_bits"`
	OccurrenceCounter uint32       `json:"occurrence_counter"`
	FreezeFrame       *FreezeFrame `json:"freeze_frame,omitempty"`
}

// Response is the tool-facing reply.
type Response struct {
	Result       ResultCode    `json:"result"`
	SessionToken string        `json:"session_token,omitempty"`
	Events       []EventRecord `json:"events,omitempty"`
}

// ErrMalformedRequest marks a request the dispatcher refuses to answer.
// Malformed traffic neither touches the store nor keeps the session alive.
var ErrMalformedRequest = errors.New("malformed request")

// Dispatcher is the stateless handler for inbound diagnostic requests. It
// validates the session precondition, then reads or mutates the event store.
type Dispatcher struct {
	log     Logger
	store   *EventStore
	session *SessionManager
}

func NewDispatcher(logger Logger, store *EventStore, session *SessionManager) *Dispatcher {
	return &Dispatcher{
		log:     logger,
		store:   store,
		session: session,
	}
}

// Handle processes one request. It returns ErrMalformedRequest for requests
// that do not parse into a known command shape; every other outcome is a
// Response with the appropriate result code.
func (d *Dispatcher) Handle(req Request) (Response, error) {
	op, ok := operationFor(req.Command)
	if !ok {
		return Response{}, ErrMalformedRequest
	}
	if op == OpSession {
		if _, ok := ParseSessionMode(req.SessionMode); !ok {
			return Response{}, ErrMalformedRequest
		}
	}
	if op == OpList {
		if _, ok := parseStatusFilter(req.StatusFilter); !ok {
			return Response{}, ErrMalformedRequest
		}
	}

	// A well-formed request is a keep-alive regardless of outcome.
	d.session.Touch()

	if !d.session.IsAllowed(op) {
		return Response{Result: ResultSessionNotAllowed}, nil
	}
	if op != OpSession && !d.session.ValidateToken(req.SessionToken) {
		return Response{Result: ResultSessionNotAllowed}, nil
	}

	switch op {
	case OpList:
		return d.handleList(req), nil
	case OpReadOne:
		return d.handleReadOne(req), nil
	case OpClear:
		return d.handleClear(req), nil
	case OpSession:
		return d.handleSession(req)
	}
	return Response{}, ErrMalformedRequest
}

func operationFor(cmd Command) (Operation, bool) {
	switch cmd {
	case CommandList:
		return OpList, true
	case CommandReadOne:
		return OpReadOne, true
	case CommandClear:
		return OpClear, true
	case CommandSession:
		return OpSession, true
	}
	return 0, false
}

func (d *Dispatcher) handleList(req Request) Response {
	filter, _ := parseStatusFilter(req.StatusFilter)

	events := d.store.Query(filter)
	records := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		// LIST enumerates status only; freeze frames are read per event.
		records = append(records, EventRecord{
			EventID:           ev.ID,
			Status:            ev.Status,
			OccurrenceCounter: ev.OccurrenceCounter,
		})
	}
	return Response{Result: ResultOK, Events: records}
}

func (d *Dispatcher) handleReadOne(req Request) Response {
	ev, err := d.store.Get(req.EventID)
	if err != nil {
		return Response{Result: ResultNotFound}
	}
	return Response{
		Result: ResultOK,
		Events: []EventRecord{{
			EventID:           ev.ID,
			Status:            ev.Status,
			OccurrenceCounter: ev.OccurrenceCounter,
			FreezeFrame:       ev.FreezeFrame,
		}},
	}
}

func (d *Dispatcher) handleClear(req Request) Response {
	var err error
	if req.EventID == 0 {
		err = d.store.ClearAll()
	} else {
		err = d.store.Clear(req.EventID)
	}

	switch {
	case err == nil:
		return Response{Result: ResultOK}
	case errors.Is(err, ErrNotFound):
		return Response{Result: ResultNotFound}
	case errors.Is(err, ErrPreconditionNotMet):
		return Response{Result: ResultPreconditionNotMet}
	default:
		// A gate error without the sentinel still denies the clear: the
		// event remains stored, which to the tool is a failed precondition.
		d.log.Error("Clear failed: %v", err)
		return Response{Result: ResultPreconditionNotMet}
	}
}

func (d *Dispatcher) handleSession(req Request) (Response, error) {
	target, ok := ParseSessionMode(req.SessionMode)
	if !ok {
		return Response{}, ErrMalformedRequest
	}

	token, err := d.session.ChangeMode(target)
	if errors.Is(err, ErrSessionNotAllowed) {
		return Response{Result: ResultSessionNotAllowed}, nil
	}
	return Response{Result: ResultOK, SessionToken: token}, nil
}

func parseStatusFilter(s string) (StatusFilter, bool) {
	switch s {
	case "", "all":
		return FilterAll, true
	case "confirmed":
		return FilterConfirmed, true
	case "pending":
		return FilterPending, true
	case "stored":
		return FilterStored, true
	}
	return FilterAll, false
}
