// Package message defines the wire envelope exchanged between the
// broadcast server, the relay gateway and dashboard consumers. Every
// message is a JSON object with a "type" discriminator and a server
// timestamp; unknown or malformed types fail parsing instead of being
// passed through.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/simulation"
)

// Kind discriminates message payloads on the wire.
type Kind string

const (
	// Server → client
	KindTransaction        Kind = "transaction"
	KindTransactions       Kind = "transactions"
	KindSimulationLoaded   Kind = "simulation_loaded"
	KindNoSimulation       Kind = "no_simulation"
	KindPredictionsData    Kind = "predictions_data"
	KindNoPredictions      Kind = "no_predictions"
	KindAllSimulations     Kind = "all_simulations"
	KindSimulationSwitched Kind = "simulation_switched"
	KindSimulationReset    Kind = "simulation_reset"
	KindConnectionStatus   Kind = "connection_status"
	KindError              Kind = "error"

	// Both directions
	KindPing Kind = "ping"
	KindPong Kind = "pong"

	// Client → server
	KindRequestLatest    Kind = "request_latest"
	KindSwitchSimulation Kind = "switch_simulation"
	KindResetSimulation  Kind = "reset_simulation"
	KindGetSimulations   Kind = "get_simulations"
	KindGetPredictions   Kind = "get_predictions"
)

// Message is any parsed wire message.
type Message interface {
	MessageKind() Kind
}

// Envelope carries the fields common to every message. Embedding it
// satisfies Message and inlines type/timestamp into the JSON object.
type Envelope struct {
	Type      Kind   `json:"type"`
	Timestamp string `json:"timestamp"`
}

func (e Envelope) MessageKind() Kind { return e.Type }

func newEnvelope(kind Kind, now time.Time) Envelope {
	return Envelope{Type: kind, Timestamp: now.UTC().Format(time.RFC3339)}
}

// Transaction is one incremental record push during replay streaming.
type Transaction struct {
	Envelope
	Record  simulation.Record `json:"transaction"`
	Current int               `json:"current"`
	Total   int               `json:"total"`
}

// Transactions is the full replay snapshot sent on subscribe.
type Transactions struct {
	Envelope
	Records []simulation.Record `json:"transactions"`
	Nodes   []simulation.Node   `json:"nodes"`
	Links   []simulation.Link   `json:"links"`
	Total   int                 `json:"total"`
	Cursor  int                 `json:"cursor"`
}

// SimulationLoaded announces which file backs the current session.
type SimulationLoaded struct {
	Envelope
	File  string `json:"file"`
	Total int    `json:"total"`
}

// NoSimulation reports that no valid simulation file is loaded.
type NoSimulation struct {
	Envelope
	Reason string `json:"reason,omitempty"`
}

// PredictionsData carries the latest model predictions.
type PredictionsData struct {
	Envelope
	Predictions []simulation.Prediction `json:"predictions"`
	File        string                  `json:"file,omitempty"`
}

// NoPredictions reports that no predictions are available yet.
type NoPredictions struct {
	Envelope
}

// AllSimulations lists the simulation files available for switching.
type AllSimulations struct {
	Envelope
	Files []string `json:"files"`
}

// SimulationSwitched confirms a switch request.
type SimulationSwitched struct {
	Envelope
	File         string `json:"file"`
	UserSelected bool   `json:"isUserSelected"`
}

// SimulationReset confirms a cursor reset.
type SimulationReset struct {
	Envelope
}

// ConnectionStatus is the acknowledgment sent when a subscriber
// connects, and the synthetic status answer the gateway gives locally.
type ConnectionStatus struct {
	Envelope
	Status   string `json:"status"`
	ClientID string `json:"client_id,omitempty"`
	Detail   string `json:"message,omitempty"`
}

// Error is a typed failure surfaced to one consumer.
type Error struct {
	Envelope
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Target   string `json:"target,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Ping and Pong are application-level liveness probes.
type Ping struct {
	Envelope
}

type Pong struct {
	Envelope
}

// RequestLatest asks the server to re-send the current snapshot.
type RequestLatest struct {
	Envelope
}

// SwitchSimulation asks the server to load a different file. When
// UserSelected is set the subscriber opts out of automatic newest-file
// switches until it clears the override (empty File clears it).
type SwitchSimulation struct {
	Envelope
	File         string `json:"file"`
	UserSelected bool   `json:"isUserSelected"`
}

// ResetSimulation asks the server to rewind this subscriber's cursor.
type ResetSimulation struct {
	Envelope
}

// GetSimulations asks for the list of available simulation files.
type GetSimulations struct {
	Envelope
}

// GetPredictions asks for the latest predictions.
type GetPredictions struct {
	Envelope
}

// Constructors stamp the envelope; every outbound message carries a
// timestamp.

func NewTransaction(rec simulation.Record, current, total int, now time.Time) Transaction {
	return Transaction{Envelope: newEnvelope(KindTransaction, now), Record: rec, Current: current, Total: total}
}

func NewTransactions(session *simulation.Session, cursor int, now time.Time) Transactions {
	return Transactions{
		Envelope: newEnvelope(KindTransactions, now),
		Records:  session.Records,
		Nodes:    session.Aggregate.Nodes,
		Links:    session.Aggregate.Links,
		Total:    len(session.Records),
		Cursor:   cursor,
	}
}

func NewSimulationLoaded(file string, total int, now time.Time) SimulationLoaded {
	return SimulationLoaded{Envelope: newEnvelope(KindSimulationLoaded, now), File: file, Total: total}
}

func NewNoSimulation(reason string, now time.Time) NoSimulation {
	return NoSimulation{Envelope: newEnvelope(KindNoSimulation, now), Reason: reason}
}

func NewPredictionsData(preds []simulation.Prediction, file string, now time.Time) PredictionsData {
	return PredictionsData{Envelope: newEnvelope(KindPredictionsData, now), Predictions: preds, File: file}
}

func NewNoPredictions(now time.Time) NoPredictions {
	return NoPredictions{Envelope: newEnvelope(KindNoPredictions, now)}
}

func NewAllSimulations(files []string, now time.Time) AllSimulations {
	return AllSimulations{Envelope: newEnvelope(KindAllSimulations, now), Files: files}
}

func NewSimulationSwitched(file string, userSelected bool, now time.Time) SimulationSwitched {
	return SimulationSwitched{Envelope: newEnvelope(KindSimulationSwitched, now), File: file, UserSelected: userSelected}
}

func NewSimulationReset(now time.Time) SimulationReset {
	return SimulationReset{Envelope: newEnvelope(KindSimulationReset, now)}
}

func NewConnectionStatus(status, clientID, detail string, now time.Time) ConnectionStatus {
	return ConnectionStatus{Envelope: newEnvelope(KindConnectionStatus, now), Status: status, ClientID: clientID, Detail: detail}
}

func NewError(msg, code string, now time.Time) Error {
	return Error{Envelope: newEnvelope(KindError, now), Message: msg, Code: code}
}

func NewUpstreamError(msg, target string, attempts int, now time.Time) Error {
	return Error{Envelope: newEnvelope(KindError, now), Message: msg, Code: "upstream_unavailable", Target: target, Attempts: attempts}
}

func NewPing(now time.Time) Ping {
	return Ping{Envelope: newEnvelope(KindPing, now)}
}

func NewPong(now time.Time) Pong {
	return Pong{Envelope: newEnvelope(KindPong, now)}
}

func NewRequestLatest(now time.Time) RequestLatest {
	return RequestLatest{Envelope: newEnvelope(KindRequestLatest, now)}
}

func NewSwitchSimulation(file string, userSelected bool, now time.Time) SwitchSimulation {
	return SwitchSimulation{Envelope: newEnvelope(KindSwitchSimulation, now), File: file, UserSelected: userSelected}
}

func NewResetSimulation(now time.Time) ResetSimulation {
	return ResetSimulation{Envelope: newEnvelope(KindResetSimulation, now)}
}

func NewGetSimulations(now time.Time) GetSimulations {
	return GetSimulations{Envelope: newEnvelope(KindGetSimulations, now)}
}

func NewGetPredictions(now time.Time) GetPredictions {
	return GetPredictions{Envelope: newEnvelope(KindGetPredictions, now)}
}

// Encode serializes any message to its wire form.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.InternalError("cannot encode message", err)
	}
	return data, nil
}

// Parse decodes a wire message into its typed form. Unknown or missing
// types and malformed JSON yield a ValidationError; they are never
// silently passed through.
func Parse(data []byte) (Message, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.ValidationError("malformed message JSON").WithContext("cause", err.Error())
	}
	if probe.Type == "" {
		return nil, errors.ValidationError("message has no type")
	}

	decode := func(target Message) (Message, error) {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("malformed %q message", probe.Type)).WithContext("cause", err.Error())
		}
		return target, nil
	}

	switch probe.Type {
	case KindTransaction:
		return decode(&Transaction{})
	case KindTransactions:
		return decode(&Transactions{})
	case KindSimulationLoaded:
		return decode(&SimulationLoaded{})
	case KindNoSimulation:
		return decode(&NoSimulation{})
	case KindPredictionsData:
		return decode(&PredictionsData{})
	case KindNoPredictions:
		return decode(&NoPredictions{})
	case KindAllSimulations:
		return decode(&AllSimulations{})
	case KindSimulationSwitched:
		return decode(&SimulationSwitched{})
	case KindSimulationReset:
		return decode(&SimulationReset{})
	case KindConnectionStatus:
		return decode(&ConnectionStatus{})
	case KindError:
		return decode(&Error{})
	case KindPing:
		return decode(&Ping{})
	case KindPong:
		return decode(&Pong{})
	case KindRequestLatest:
		return decode(&RequestLatest{})
	case KindSwitchSimulation:
		return decode(&SwitchSimulation{})
	case KindResetSimulation:
		return decode(&ResetSimulation{})
	case KindGetSimulations:
		return decode(&GetSimulations{})
	case KindGetPredictions:
		return decode(&GetPredictions{})
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown message type %q", probe.Type))
	}
}

// PeekKind returns just the type discriminator without a full decode.
// The gateway uses it to classify messages it forwards opaquely.
func PeekKind(data []byte) (Kind, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", errors.ValidationError("malformed message JSON").WithContext("cause", err.Error())
	}
	if probe.Type == "" {
		return "", errors.ValidationError("message has no type")
	}
	return probe.Type, nil
}

// IsControl reports whether a message kind is answered locally by the
// gateway and never forwarded.
func IsControl(kind Kind) bool {
	switch kind {
	case KindPing, KindPong, KindConnectionStatus:
		return true
	}
	return false
}

// IsDroppable reports whether an over-budget payload may be discarded
// under throttling instead of queued. Repeated probe-like payloads are
// droppable, everything else is important.
func IsDroppable(kind Kind) bool {
	switch kind {
	case KindRequestLatest, KindGetSimulations, KindGetPredictions:
		return true
	}
	return false
}
