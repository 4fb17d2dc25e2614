package gpt

import "fmt"

// Persona is who the agent is and what the interview is for.
type Persona struct {
	AgentName     string
	CandidateName string
	CompanyName   string
	JobTitle      string
}

func (p Persona) SystemPrompt() string {
	return fmt.Sprintf(`You are %s, a warm and professional talent recruiter at %s.
Speaking style: speak casually and naturally. Use short sentences and contractions ("I'm", "Let's").
Active listening: now and then open with a natural filler such as "Hmm, I see", "That makes sense" or "Interesting point".
Task: interview the candidate for the %s position. Ask ONE question at a time and dig into their specific experience.
Avoid: robotic phrases like "I have processed your answer" and long monologues. Your replies are spoken aloud, so never use lists or markdown.`,
		p.AgentName, p.CompanyName, p.JobTitle)
}

// Greeting is the fixed opening line of the interview.
func (p Persona) Greeting() string {
	return fmt.Sprintf("Hi %s, thanks for joining. I'm %s, a recruiter here at %s. Shall we start the interview for the %s position?",
		p.CandidateName, p.AgentName, p.CompanyName, p.JobTitle)
}
