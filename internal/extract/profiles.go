package extract

import (
	"fmt"
	"strings"

	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// instructionProfiles hold document-type-specific extraction guidance.
// A misclassified or unknown type degrades to the generic profile rather
// than failing the task.
var instructionProfiles = map[model.DocumentType]string{
	model.DocFinancialStatement: `This is a facility financial statement (P&L, income statement, or trial balance).
Focus on revenue, expense, and margin lines. Map line items to the closest catalog field:
total revenue includes all payer revenue; net operating income is revenue minus operating
expenses before rent and capital items. Report figures for the statement period, not YTD
columns, unless only YTD is present.`,

	model.DocCensusReport: `This is a census or occupancy report. Focus on bed counts, average daily census,
occupancy rate, and payer mix percentages. Payer mix values should be percentages of
total census. If the report shows daily snapshots, average them over the period.`,

	model.DocRentRoll: `This is a rent roll or unit listing. Focus on licensed/certified bed or unit
counts, occupied units, and contractual rates. Derive occupancy_rate from
occupied over total when both are present.`,

	model.DocStaffingReport: `This is a staffing or payroll report. Focus on labor cost totals, agency labor
spend, and nursing hours per patient day. Contract/agency labor is any cost line
for non-employee clinical staff.`,

	model.DocSurveyReport: `This is a regulatory survey or inspection report. Focus on deficiency counts,
star ratings, and the facility's CCN (CMS certification number). Do not infer
financial figures from survey narrative.`,

	model.DocOfferingMemo: `This is an offering memorandum or broker package. It may cover multiple
facilities and periods; extract the figures for the facility named in the
summary tables. Broker pro-forma columns are projections; prefer trailing
actuals where both appear, and lower confidence on pro-forma figures.`,

	model.DocOther: `Document type could not be determined. Extract any catalog fields that are
clearly stated, with conservative confidence.`,
}

// Profile returns the instruction profile for a document type, falling
// back to the generic profile.
func Profile(docType model.DocumentType) string {
	if p, ok := instructionProfiles[docType]; ok {
		return p
	}
	return instructionProfiles[model.DocOther]
}

// KnownType reports whether the detected type string is a recognized
// classification.
func KnownType(t model.DocumentType) bool {
	_, ok := instructionProfiles[t]
	return ok
}

// extractSystemText is the system prompt for field extraction.
const extractSystemText = "You are a healthcare real-estate analyst extracting structured data from facility documents. Return valid JSON matching the requested schema. Use null for fields not found, and set confidence per field based on how explicitly the document states the value."

// extractPrompt is the user prompt template for field extraction.
const extractPrompt = `%s

Extract the following fields where present:
%s

Also identify the facility and reporting period.

Return a valid JSON object:
{
  "facility": {"name": "<facility name>", "ccn": "<CMS certification number or empty>", "licensed_beds": <count or null>},
  "period": {"start": "YYYY-MM-DD", "end": "YYYY-MM-DD"},
  "fields": [{"field": "<catalog key>", "value": <value>, "confidence": <0.0-1.0>, "excerpt": "<short supporting quote>"}],
  "overall_confidence": <0.0-1.0>
}

Document (%s):
%s`

// classifySystemText is the system prompt for document-type detection.
const classifySystemText = "You classify healthcare facility documents. Respond with JSON only."

// classifyPrompt is the user prompt template for document-type detection.
const classifyPrompt = `Classify this document as one of: financial_statement, census_report, rent_roll, staffing_report, survey_report, offering_memo, other.

Return a valid JSON object: {"type": "<classification>", "confidence": <0.0-1.0>}

Document excerpt (%s):
%s`

// fieldCatalogBlock renders the catalog for prompt injection.
func fieldCatalogBlock(catalog *model.FieldCatalog) string {
	var b strings.Builder
	for _, f := range catalog.Fields {
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Key, f.Kind, f.Label)
	}
	return b.String()
}
