package notify

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys rendered by Translator.
const (
	MsgStarting    = "server.starting"
	MsgStopping    = "server.stopping"
	MsgFailedStart = "server.failed_start"

	MsgScheduledWarning = "schedule.warning"
	MsgScheduledReason  = "schedule.reason"
)

var supported = []language.Tag{language.English, language.BrazilianPortuguese}

func init() {
	set := func(tag language.Tag, kv ...string) {
		for i := 0; i+1 < len(kv); i += 2 {
			_ = message.SetString(tag, kv[i], kv[i+1])
		}
	}
	set(language.English,
		MsgStarting, "Server is starting.",
		MsgStopping, "Server is stopping: %s",
		MsgFailedStart, "Server exited right after launch; check the console for errors.",
		MsgScheduledWarning, "Scheduled restart in %d min.",
		MsgScheduledReason, "Scheduled restart, the server will be back shortly.",
	)
	set(language.BrazilianPortuguese,
		MsgStarting, "O servidor está iniciando.",
		MsgStopping, "O servidor está parando: %s",
		MsgFailedStart, "O servidor fechou logo após iniciar; verifique o console.",
		MsgScheduledWarning, "Reinício agendado em %d min.",
		MsgScheduledReason, "Reinício agendado, o servidor volta em instantes.",
	)
}

// Translator renders announcement keys in one language.
type Translator struct {
	tag     language.Tag
	printer *message.Printer
}

// NewTranslator picks the closest supported language, defaulting to English.
func NewTranslator(lang string) *Translator {
	tag := language.English
	if want, err := language.Parse(lang); err == nil {
		_, idx, conf := language.NewMatcher(supported).Match(want)
		if conf != language.No {
			tag = supported[idx]
		}
	}
	return &Translator{tag: tag, printer: message.NewPrinter(tag)}
}

func (t *Translator) Language() language.Tag { return t.tag }

func (t *Translator) T(key string, args ...any) string {
	return t.printer.Sprintf(key, args...)
}
