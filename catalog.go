package saga

// Catalog is the ordered, immutable list of steps of a transaction.
type Catalog struct {
	steps []StepDefinition
	index map[StepID]int
}

// NewCatalog builds a catalog. Definition problems (empty or duplicate IDs,
// missing forward actions) are reported here, never at run time.
func NewCatalog(steps ...StepDefinition) (*Catalog, error) {
	c := &Catalog{
		steps: make([]StepDefinition, 0, len(steps)),
		index: make(map[StepID]int, len(steps)),
	}
	for i, step := range steps {
		if step.ID == "" {
			return nil, NewConfigurationError("steps", "step at index %d has an empty id", i)
		}
		if step.Forward == nil {
			return nil, NewConfigurationError("steps", "step '%s' has no forward action", step.ID)
		}
		if prev, ok := c.index[step.ID]; ok {
			return nil, NewConfigurationError("steps", "duplicate step id '%s' at index %d and %d", step.ID, prev, i)
		}
		c.index[step.ID] = i
		c.steps = append(c.steps, step)
	}
	return c, nil
}

// Len returns the number of steps.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.steps)
}

// At returns the step at index i.
func (c *Catalog) At(i int) (StepDefinition, bool) {
	if c == nil || i < 0 || i >= len(c.steps) {
		return StepDefinition{}, false
	}
	return c.steps[i], true
}

// Lookup returns the step with the given id and its index.
func (c *Catalog) Lookup(id StepID) (StepDefinition, int, bool) {
	if c == nil {
		return StepDefinition{}, -1, false
	}
	i, ok := c.index[id]
	if !ok {
		return StepDefinition{}, -1, false
	}
	return c.steps[i], i, true
}

// IDs returns the step ids in catalog order.
func (c *Catalog) IDs() []StepID {
	if c == nil {
		return nil
	}
	ids := make([]StepID, len(c.steps))
	for i, s := range c.steps {
		ids[i] = s.ID
	}
	return ids
}
