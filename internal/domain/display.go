package domain

import "time"

// Display statuses shown by consoles. They are derived on read and never stored.
const (
	DisplayAgendada   = "AGENDADA"
	DisplayAtrasada   = "ATRASADA"
	DisplayEmExecucao = "EM_EXECUCAO"
)

// Overdue reports whether a non-terminal entry has passed its planned end
// without being delivered for approval.
func Overdue(e ScheduleEntry, now time.Time) bool {
	switch e.Status {
	case StatusProgramada, StatusEnviada, StatusEmAndamento, StatusRejeitada:
		return now.After(e.EndPlanned)
	}
	return false
}

// DisplayStatus projects the stored status onto the console vocabulary.
func DisplayStatus(e ScheduleEntry, now time.Time) string {
	if Overdue(e, now) {
		return DisplayAtrasada
	}
	switch e.Status {
	case StatusProgramada, StatusEnviada:
		return DisplayAgendada
	case StatusEmAndamento:
		return DisplayEmExecucao
	}
	return string(e.Status)
}
