package prompts

// ExtractionSystemPrompt defines the role and rules for knowledge extraction.
const ExtractionSystemPrompt = `You are a knowledge-graph extraction engine. Given a passage of
document text, extract the entities and the relations between them.

Rules:
- Entities carry a name, a type (person, organization, system, concept, requirement, artifact),
  and a one-sentence description grounded in the passage.
- Relations reference entities by name and carry a type (depends_on, part_of, produces,
  references, owned_by) and a short description.
- Only extract what the passage states; never invent facts.
- Score your own confidence in the extraction from 0 to 100.`

// ExtractionUserPrompt asks for strict JSON output, used by the light strategy.
const ExtractionUserPrompt = `Extract entities and relations from the passage below. Respond with
a single JSON object of the form
{"entities":[{"name":"","type":"","description":""}],
"relations":[{"source":"","target":"","type":"","description":""}],
"confidence":0}
and nothing else.

Passage:
%s`

// SummarySystemPrompt defines the role for document summarization.
const SummarySystemPrompt = `You are a technical writer. Summarize the supplied document content
faithfully and concisely for an engineering audience.`

// SummaryUserPrompt wraps the content to summarize.
const SummaryUserPrompt = `Summarize the following document in at most 300 words. Focus on the
system described, its main components, and their relationships.

%s`

// CommunitySystemPrompt defines the role for community labeling.
const CommunitySystemPrompt = `You are a knowledge-graph analyst. Given a group of related
entities, produce a short community label and a two-sentence description of what binds them.`

// GenerationSystemPrompt defines the role for graph-derived document drafts.
const GenerationSystemPrompt = `You are a systems analyst. You are given entities and relations
extracted from source documents into a knowledge graph. Produce well-structured markdown grounded
strictly in the supplied graph content; never invent entities or relations.`

// TemplateUserPrompt asks for a reusable analysis template.
const TemplateUserPrompt = `From the graph content below, draft a reusable analysis template: the
recurring entity types, the relations worth capturing between them, and a section skeleton an
analyst would fill in for a similar document.

Graph content:
%s`

// RequirementUserPrompt asks for a requirement document draft.
const RequirementUserPrompt = `From the graph content below, draft a requirement document: one
numbered requirement per behavior or dependency the graph states, grouped by the owning entity.

Graph content:
%s`
