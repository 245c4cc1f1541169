package models

// Classification labels assigned by the page analyzer / AI evaluator.
const (
	ClassificationApplication     = "application"      // Direct application form or applicant portal
	ClassificationPortalReference = "portal_reference" // References an external application system with instructions
	ClassificationInformation     = "information"      // General information, no application path
	ClassificationOther           = "other"            // Nothing application-related detected
)

// CategoryToClassification maps the evaluator's numeric category to a
// classification label. Category 0 means the evaluator could not decide.
func CategoryToClassification(category int) string {
	switch category {
	case 1:
		return ClassificationApplication
	case 2:
		return ClassificationPortalReference
	case 3:
		return ClassificationInformation
	}
	return ClassificationOther
}
