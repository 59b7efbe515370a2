package transport

// LastTrace returns the names of the states entered by the most recent poll cycle.
func (l *Loop) LastTrace() []string {
	var out []string
	for _, s := range l.lastTrace {
		out = append(out, s.String())
	}
	return out
}
