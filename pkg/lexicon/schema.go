package lexicon

// Intent names, also used as menu capability ids.
const (
	IntentBooking      = "booking"
	IntentCancellation = "cancellation"
	IntentReschedule   = "reschedule"
	IntentHuman        = "human"
	IntentCatalog      = "catalog"
)

// intentOrder is the match priority. Cancellation and reschedule phrases
// often contain booking words, so they are checked first.
var intentOrder = []string{
	IntentCancellation,
	IntentReschedule,
	IntentHuman,
	IntentCatalog,
	IntentBooking,
}

type Lexicon struct {
	Version       string              `json:"version"`
	Greetings     []string            `json:"greetings"`
	ReservedWords []string            `json:"reservedWords"`
	Affirmatives  []string            `json:"affirmatives"`
	Negatives     []string            `json:"negatives"`
	Intents       map[string][]string `json:"intents"`
}
