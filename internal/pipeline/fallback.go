package pipeline

// Fallback answers returned when the pipeline cannot produce a real
// response. The chat turn always completes with some answer in the
// thread's language.
const (
	fallbackEnglish = "I apologize, but I'm having trouble processing your request right now. Please try again."
	fallbackSinhala = "සමාවෙන්න, මේ මොහොතේ ඔබගේ ඉල්ලීම සැකසීමට නොහැකි විය. කරුණාකර නැවත උත්සාහ කරන්න."
)

// FallbackAnswer returns the localized apology for a failed run.
func FallbackAnswer(language string) string {
	if language == LangSinhala {
		return fallbackSinhala
	}
	return fallbackEnglish
}
