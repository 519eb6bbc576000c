package domain

// Image classifier labels. Explicit labels are always gated; suggestive labels
// are reported but never censored.
const (
	LabelFemaleGenitaliaExposed = "FEMALE_GENITALIA_EXPOSED"
	LabelMaleGenitaliaExposed   = "MALE_GENITALIA_EXPOSED"
	LabelFemaleBreastExposed    = "FEMALE_BREAST_EXPOSED"
	LabelAnusExposed            = "ANUS_EXPOSED"
	LabelButtocksExposed        = "BUTTOCKS_EXPOSED"

	LabelFemaleBreastCovered    = "FEMALE_BREAST_COVERED"
	LabelFemaleGenitaliaCovered = "FEMALE_GENITALIA_COVERED"
	LabelButtocksCovered        = "BUTTOCKS_COVERED"
	LabelBellyExposed           = "BELLY_EXPOSED"
	LabelArmpitsExposed         = "ARMPITS_EXPOSED"
	LabelMaleBreastExposed      = "MALE_BREAST_EXPOSED"
)

// ExplicitLabels is the closed set of labels that make an image explicit.
var ExplicitLabels = map[string]bool{
	LabelFemaleGenitaliaExposed: true,
	LabelMaleGenitaliaExposed:   true,
	LabelFemaleBreastExposed:    true,
	LabelAnusExposed:            true,
	LabelButtocksExposed:        true,
}

// SuggestiveLabels is the closed set of labels that make an image suggestive.
var SuggestiveLabels = map[string]bool{
	LabelFemaleBreastCovered:    true,
	LabelFemaleGenitaliaCovered: true,
	LabelButtocksCovered:        true,
	LabelBellyExposed:           true,
	LabelArmpitsExposed:         true,
	LabelMaleBreastExposed:      true,
}

// ImageClass is the severity tier of a moderated image.
type ImageClass string

const (
	ClassSafe       ImageClass = "safe"
	ClassSuggestive ImageClass = "suggestive"
	ClassExplicit   ImageClass = "explicit"
)
