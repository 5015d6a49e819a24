package runtime

// VariableHolder is a transient, chained variable scope used while a
// behavior runs: the leaf holds element-local variables (multi-instance
// element/index, task-local input) and the chain bottoms out at the
// variables of the enclosing scope executions.
type VariableHolder struct {
	parent         *VariableHolder
	localVariables map[string]any
}

func NewVariableHolder(parent *VariableHolder, localVariables map[string]any) VariableHolder {
	if localVariables == nil {
		localVariables = make(map[string]any)
	}
	return VariableHolder{
		parent:         parent,
		localVariables: localVariables,
	}
}

// Variables returns the flattened view of the whole chain; the leaf wins
// on duplicate keys.
func (vh *VariableHolder) Variables() map[string]any {
	var merged map[string]any
	if vh.parent != nil {
		merged = vh.parent.Variables()
	} else {
		merged = make(map[string]any)
	}
	for k, v := range vh.localVariables {
		merged[k] = v
	}
	return merged
}

func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

func (vh *VariableHolder) SetVariable(key string, value any) {
	vh.localVariables[key] = value
}

func (vh *VariableHolder) LocalVariables() map[string]any {
	return vh.localVariables
}

// PropagateVariables writes the given variables into the parent scope.
func (vh *VariableHolder) PropagateVariables(variables map[string]any) {
	if vh.parent == nil {
		return
	}
	for k, v := range variables {
		vh.parent.SetVariable(k, v)
	}
}
