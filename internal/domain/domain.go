package domain

import "time"

type Status string

const (
	StatusProgramada          Status = "PROGRAMADA"
	StatusEnviada             Status = "ENVIADA"
	StatusEmAndamento         Status = "EM_ANDAMENTO"
	StatusAguardandoAprovacao Status = "AGUARDANDO_APROVACAO"
	StatusAprovada            Status = "APROVADA"
	StatusRejeitada           Status = "REJEITADA"
	StatusCancelada           Status = "CANCELADA"
)

// Statuses lists every schedule status in lifecycle order.
var Statuses = []Status{
	StatusProgramada,
	StatusEnviada,
	StatusEmAndamento,
	StatusAguardandoAprovacao,
	StatusAprovada,
	StatusRejeitada,
	StatusCancelada,
}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusAprovada || s == StatusCancelada
}

type Priority string

const (
	PriorityBaixa   Priority = "BAIXA"
	PriorityNormal  Priority = "NORMAL"
	PriorityAlta    Priority = "ALTA"
	PriorityUrgente Priority = "URGENTE"
)

var priorityRank = map[Priority]int{
	PriorityBaixa:   0,
	PriorityNormal:  1,
	PriorityAlta:    2,
	PriorityUrgente: 3,
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Rank orders priorities from BAIXA (0) to URGENTE (3).
func (p Priority) Rank() int {
	return priorityRank[p]
}

// Transition kinds recorded in the transition log.
const (
	KindCreated    = "created"
	KindStatus     = "status"
	KindAssignment = "assignment"
)

// ScheduleEntry is one planned execution window of a work order in a sector (programação).
type ScheduleEntry struct {
	ID            int64        `json:"id"`
	WorkOrderID   string       `json:"work_order_id"`
	SectorID      string       `json:"sector_id"`
	DepartmentID  string       `json:"department_id"`
	ResponsibleID *string      `json:"responsible_id,omitempty"`
	StartPlanned  time.Time    `json:"start_planned" format:"date-time"`
	EndPlanned    time.Time    `json:"end_planned" format:"date-time"`
	Status        Status       `json:"status" enum:"PROGRAMADA,ENVIADA,EM_ANDAMENTO,AGUARDANDO_APROVACAO,APROVADA,REJEITADA,CANCELADA"`
	Priority      Priority     `json:"priority" enum:"BAIXA,NORMAL,ALTA,URGENTE"`
	Notes         string       `json:"notes,omitempty"`
	Version       int64        `json:"version"`
	CreatedBy     string       `json:"created_by"`
	CreatedAt     time.Time    `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time    `json:"updated_at" format:"date-time"`
	TransitionLog []Transition `json:"transition_log,omitempty"`
}

// Transition is one append-only row of an entry's history.
type Transition struct {
	ID             int64     `json:"id"`
	EntryID        int64     `json:"entry_id"`
	TS             time.Time `json:"ts" format:"date-time"`
	ActorID        string    `json:"actor_id"`
	FromState      Status    `json:"from_state"`
	ToState        Status    `json:"to_state"`
	Kind           string    `json:"kind" enum:"created,status,assignment"`
	Reason         string    `json:"reason,omitempty"`
	ResponsibleID  *string   `json:"responsible_id,omitempty"`
	SectorID       string    `json:"sector_id,omitempty"`
	Override       bool      `json:"override,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

type PendencyStatus string

const (
	PendencyAberta      PendencyStatus = "ABERTA"
	PendencyEmAndamento PendencyStatus = "EM_ANDAMENTO"
	PendencyFechada     PendencyStatus = "FECHADA"
)

func (s PendencyStatus) Valid() bool {
	return s == PendencyAberta || s == PendencyEmAndamento || s == PendencyFechada
}

// Open reports whether the pendency still blocks approval.
func (s PendencyStatus) Open() bool {
	return s == PendencyAberta || s == PendencyEmAndamento
}

// Pendency is a blocking issue raised against a work order (pendência).
type Pendency struct {
	ID              int64          `json:"id"`
	WorkOrderID     string         `json:"work_order_id"`
	RaisedBy        string         `json:"raised_by"`
	Description     string         `json:"description"`
	Status          PendencyStatus `json:"status" enum:"ABERTA,EM_ANDAMENTO,FECHADA"`
	OpenedAt        time.Time      `json:"opened_at" format:"date-time"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty" format:"date-time"`
	ClosedBy        *string        `json:"closed_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at" format:"date-time"`
}

type Sector struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	DepartmentID string `json:"department_id" yaml:"department_id"`
}

type Collaborator struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	SectorID string `json:"sector_id" yaml:"sector_id"`
	Role     string `json:"role" yaml:"role"`
}

type WorkOrder struct {
	ID          string `json:"id" yaml:"id"`
	Number      string `json:"number" yaml:"number"`
	Machine     string `json:"machine,omitempty" yaml:"machine"`
	Client      string `json:"client,omitempty" yaml:"client"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// WorkOrderSummary is the display-only view of a work order.
type WorkOrderSummary struct {
	Number      string `json:"number"`
	Description string `json:"description,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type NotificationFailure struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	DeliveryID     string `json:"delivery_id"`
	CollaboratorID string `json:"collaborator_id"`
	Kind           string `json:"kind"`
	Sink           string `json:"sink"`
	Error          string `json:"error"`
	Payload        string `json:"payload_json,omitempty"`
}
