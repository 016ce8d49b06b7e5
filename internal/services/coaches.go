package services

import (
	"errors"
	"sort"
)

var ErrUnknownCoach = errors.New("unknown coach")

// Coach is a coaching persona the chat function can answer as.
type Coach struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"-"`
}

const sharedGuidance = `You are part of NAVYK, a career coaching app for students and early-career professionals.
Reply in short, plain sentences that read well as separate chat bubbles.
Avoid markdown headings and tables. Ask one follow-up question when it helps the user move forward.`

var defaultCoaches = []Coach{
	{
		ID:   "career",
		Name: "Career Coach",
		SystemPrompt: `You are a career coach. Help the user clarify goals, compare paths and plan concrete next steps.
` + sharedGuidance,
	},
	{
		ID:   "resume",
		Name: "Resume Coach",
		SystemPrompt: `You are a resume reviewer. Give specific, actionable edits: stronger verbs, quantified impact, tighter bullets.
` + sharedGuidance,
	},
	{
		ID:   "interview",
		Name: "Interview Coach",
		SystemPrompt: `You are an interview coach. Run mock questions when asked and give feedback using the STAR method.
` + sharedGuidance,
	},
	{
		ID:   "skills",
		Name: "Skills Coach",
		SystemPrompt: `You are a skills mentor. Suggest learning plans, projects and resources matched to the user's target role.
` + sharedGuidance,
	},
	{
		ID:   "networking",
		Name: "Networking Coach",
		SystemPrompt: `You are a networking coach. Help with outreach messages, informational interviews and building professional relationships.
` + sharedGuidance,
	},
}

// CoachCatalog maps opaque coach ids to personas.
type CoachCatalog struct {
	coaches map[string]Coach
}

func NewCoachCatalog(coaches ...Coach) *CoachCatalog {
	if len(coaches) == 0 {
		coaches = defaultCoaches
	}
	c := &CoachCatalog{coaches: make(map[string]Coach, len(coaches))}
	for _, coach := range coaches {
		c.coaches[coach.ID] = coach
	}
	return c
}

func (c *CoachCatalog) Lookup(id string) (Coach, error) {
	coach, ok := c.coaches[id]
	if !ok {
		return Coach{}, ErrUnknownCoach
	}
	return coach, nil
}

// List returns all coaches ordered by id.
func (c *CoachCatalog) List() []Coach {
	out := make([]Coach, 0, len(c.coaches))
	for _, coach := range c.coaches {
		out = append(out, coach)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
