package changes

// Base urgency table. Deletions outrank everything; relationship and address
// moves outrank contact-detail edits; unclassified updates sit at the floor.
const (
	scoreDeletion     = 9
	scoreMaritalOrMov = 7
	scoreCreation     = 6
	scoreContactEdit  = 5
	scoreDefault      = 4
)

// Field names recognized by the scorer and criticality routing.
const (
	FieldMaritalStatus = "maritalStatus"
	FieldAddress       = "address"
	FieldPhone         = "phone"
	FieldEmail         = "email"
	FieldBirthDate     = "birthDate"
	FieldName          = "name"
)

// Score assigns the deterministic base urgency for a detected change.
// Pure: the same kind and field set always yields the same score.
func Score(kind EventKind, changedFields []string) int {
	switch kind {
	case EventKindDelete:
		return scoreDeletion
	case EventKindCreate:
		return scoreCreation
	case EventKindUpdate:
		if containsAny(changedFields, FieldMaritalStatus, FieldAddress) {
			return scoreMaritalOrMov
		}
		if containsAny(changedFields, FieldPhone, FieldEmail) {
			return scoreContactEdit
		}
		return scoreDefault
	default:
		return scoreDefault
	}
}

// Classify maps a source operation and its touched fields onto a change type.
func Classify(kind EventKind, changedFields []string) ChangeType {
	switch kind {
	case EventKindDelete:
		return ChangeTypeLifeEvent
	case EventKindCreate, EventKindGroup:
		return ChangeTypeEngagement
	case EventKindUpdate:
		if containsAny(changedFields, FieldMaritalStatus) {
			return ChangeTypeRelationship
		}
		if containsAny(changedFields, FieldBirthDate) {
			return ChangeTypeSpecialDate
		}
		return ChangeTypePersonalData
	default:
		return ChangeTypePersonalData
	}
}

// IsCritical reports whether an event must be handled synchronously: any
// deletion, or an update touching marital status, address, or phone.
func IsCritical(kind EventKind, changedFields []string) bool {
	if kind == EventKindDelete {
		return true
	}
	if kind != EventKindUpdate {
		return false
	}
	return containsAny(changedFields, FieldMaritalStatus, FieldAddress, FieldPhone)
}

func containsAny(fields []string, wanted ...string) bool {
	for _, field := range fields {
		for _, want := range wanted {
			if field == want {
				return true
			}
		}
	}
	return false
}
