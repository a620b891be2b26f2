package shared

import "errors"

// Spoken fallbacks. Callers hear these; technical detail only goes to logs.
const (
	SpeechGenericFailure    = "Îmi pare rău, a apărut o problemă tehnică. Vă rog să încercați din nou peste câteva momente."
	SpeechFunctionNotFound  = "Îmi pare rău, nu pot face asta în acest moment. Vă pot ajuta cu o programare?"
	SpeechPermissionDenied  = "Îmi pare rău, nu am permisiunea să fac această operațiune."
	SpeechExecutionFailure  = "Îmi pare rău, nu am reușit să finalizez operațiunea. Vă rog să mai încercăm o dată."
	SpeechClarify           = "Nu am înțeles foarte bine. Puteți repeta, vă rog?"
	SpeechGuardrailBlocked  = "Îmi pare rău, nu vă pot ajuta cu această solicitare. Vă pot ajuta cu o programare la salon?"
	SpeechTimeout           = "Îmi pare rău, verificarea durează mai mult decât de obicei. Vă rog să mai încercăm o dată."
	SpeechTransportFailure  = "Ne cerem scuze, legătura s-a întrerupt. Vă rugăm să sunați din nou."
	SpeechProtocolFailure   = "Ne cerem scuze, asistentul nu este disponibil acum. Vă rugăm să reveniți mai târziu."
	SpeechCallRejected      = "Ne pare rău, nu putem prelua apelul dumneavoastră în acest moment. Vă rugăm să reveniți mai târziu."
	SpeechBookingNotRetried = "Programarea nu a fost creată. Vă rog să confirmați din nou detaliile înainte să reîncerc."
)

// clarifyByField keeps clarifying questions specific to what was misheard.
var clarifyByField = map[string]string{
	"phone":        "Nu am reușit să notez corect numărul de telefon. Îl puteți spune din nou, cifră cu cifră?",
	"client_name":  "Nu am înțeles bine numele. Îl puteți repeta, vă rog?",
	"name":         "Nu am înțeles bine numele. Îl puteți repeta, vă rog?",
	"date":         "Pentru ce zi doriți programarea?",
	"time":         "La ce oră v-ar conveni?",
	"service":      "Ce serviciu doriți? De exemplu tuns, vopsit sau manichiură.",
	"service_name": "Ce serviciu doriți? De exemplu tuns, vopsit sau manichiură.",
}

// SpokenFallback converts any error into a sentence that is safe to speak.
func SpokenFallback(err error) string {
	if err == nil {
		return ""
	}
	var (
		notFound   *FunctionNotFoundError
		denied     *PermissionDeniedError
		validation *ValidationError
		guard      *GuardrailViolation
		exec       *ExecutionError
		protocol   *ProtocolError
		transport  *TransportError
	)
	switch {
	case errors.As(err, &notFound):
		return SpeechFunctionNotFound
	case errors.As(err, &denied):
		return SpeechPermissionDenied
	case errors.As(err, &validation):
		if s, ok := clarifyByField[validation.Field]; ok {
			return s
		}
		return SpeechClarify
	case errors.As(err, &guard):
		return SpeechGuardrailBlocked
	case errors.As(err, &exec):
		return SpeechExecutionFailure
	case errors.As(err, &protocol):
		return SpeechProtocolFailure
	case errors.As(err, &transport):
		return SpeechTransportFailure
	}
	return SpeechGenericFailure
}
