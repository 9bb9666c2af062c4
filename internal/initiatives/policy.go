package initiatives

import (
	"github.com/amparo-app/backend/internal/changes"
)

// SelectType maps a change classification and urgency onto an initiative
// type. Tunable policy, but deterministic for a given pair so generation
// stays testable: high-urgency relationship and life-event changes escalate
// to a visit, mid-range to a call, routine data edits stay a message.
func SelectType(changeType changes.ChangeType, score int) Type {
	switch changeType {
	case changes.ChangeTypeLifeEvent, changes.ChangeTypeRelationship:
		if score >= 8 {
			return TypeVisit
		}
		if score >= 6 {
			return TypeCall
		}
		return TypeMessage
	case changes.ChangeTypeEngagement:
		if score >= 7 {
			return TypeCall
		}
		return TypeMessage
	default:
		return TypeMessage
	}
}

var titlePrefixes = map[Type]string{
	TypeVisit:   "Visitar",
	TypeCall:    "Ligar para",
	TypeMessage: "Enviar mensagem para",
}

// TitleFor renders the leader-facing headline for an initiative.
func TitleFor(initiativeType Type, personName string) string {
	if personName == "" {
		personName = "liderado"
	}
	return titlePrefixes[initiativeType] + " " + personName
}
