package orchestrator

import "strings"

// Modality selects the backend that handles a turn.
type Modality int

const (
	ModalityText Modality = iota
	ModalityImage
)

func (m Modality) String() string {
	if m == ModalityImage {
		return "image"
	}
	return "text"
}

// Classifier decides a turn's modality from the user message.
type Classifier interface {
	Classify(message string) Modality
}

// DefaultImagePhrases route a message to the image backend.
var DefaultImagePhrases = []string{"generate image", "draw ", "create an image"}

// PhraseClassifier matches case-insensitive substrings. Any match means
// ModalityImage.
type PhraseClassifier struct {
	Phrases []string
}

// NewPhraseClassifier returns a classifier over DefaultImagePhrases.
func NewPhraseClassifier() PhraseClassifier {
	return PhraseClassifier{Phrases: DefaultImagePhrases}
}

// Classify implements Classifier.
func (c PhraseClassifier) Classify(message string) Modality {
	lower := strings.ToLower(message)
	for _, p := range c.Phrases {
		if strings.Contains(lower, strings.ToLower(p)) {
			return ModalityImage
		}
	}
	return ModalityText
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(message string) Modality

// Classify implements Classifier.
func (f ClassifierFunc) Classify(message string) Modality { return f(message) }
