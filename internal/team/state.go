package team

// State is the reducer's view: the live team, if any, and the teams that
// have ended.
type State struct {
	Live    *Team  `json:"live,omitempty"`
	History []Team `json:"history,omitempty"`
}

// Apply folds ev into the state and reports whether it changed anything.
// Events for a team other than the live one are dropped.
func (s *State) Apply(ev Event) bool {
	if e, ok := ev.(TeamStart); ok {
		if s.Live != nil {
			return false
		}
		s.Live = &Team{
			ID:          e.TeamID,
			Name:        e.Name,
			Description: e.Description,
			Lead:        e.Lead,
			CreatedAt:   e.CreatedAt,
		}
		return true
	}
	if s.Live == nil || s.Live.ID != ev.Team() {
		return false
	}
	t := s.Live
	switch e := ev.(type) {
	case MemberAdd:
		if m, ok := t.Member(e.Member.ID); ok {
			*m = e.Member
		} else {
			t.Members = append(t.Members, e.Member)
		}
	case MemberUpdate:
		m, ok := t.Member(e.Member.ID)
		if !ok {
			return false
		}
		*m = e.Member
	case MemberRemove:
		for i := range t.Members {
			if t.Members[i].ID == e.MemberID {
				t.Members = append(t.Members[:i:i], t.Members[i+1:]...)
				return true
			}
		}
		return false
	case TaskAdd:
		if tk, ok := t.Task(e.Task.ID); ok {
			*tk = e.Task
		} else {
			t.Tasks = append(t.Tasks, e.Task)
		}
	case TaskUpdate:
		tk, ok := t.Task(e.Task.ID)
		if !ok {
			return false
		}
		*tk = e.Task
	case MessageAppended:
		t.Messages = append(t.Messages, e.Message)
	case TeamEnd:
		ended := e.EndedAt
		t.EndedAt = &ended
		s.History = append(s.History, *t.Clone())
		s.Live = nil
	case TeamStart:
	}
	return true
}

// Replay folds events from an empty state.
func Replay(events []Event) *State {
	s := &State{}
	for _, ev := range events {
		s.Apply(ev)
	}
	return s
}
