package pipeline

import "github.com/target/quotaflow/internal/domain/model"

// StageSpec names a stage and the progress it reports.
type StageSpec struct {
	Name     string
	Progress int
}

// ExecutorFactory returns the executor for a work type's stage.
type ExecutorFactory func(wt model.WorkType, stage string) Executor

// DefaultStageSpecs returns the standard stage sequence for a work type.
func DefaultStageSpecs(wt model.WorkType) []StageSpec {
	switch wt {
	case model.WorkTypeChat:
		return []StageSpec{{StageAnalysis, 40}, {StageFinalize, 100}}
	case model.WorkTypeScoring:
		return []StageSpec{{StageExtraction, 10}, {StageAnalysis, 40}, {StageFinalize, 100}}
	case model.WorkTypeAnalysis, model.WorkTypeAccounting:
		return []StageSpec{
			{StageExtraction, 10},
			{StageAnalysis, 40},
			{StageVerification, 70},
			{StageFinalize, 100},
		}
	default:
		return nil
	}
}

var defaultSchemas = map[model.WorkType]string{ //nolint:gochecknoglobals // read-only schema table
	model.WorkTypeChat: `{
		"type": "object",
		"anyOf": [{"required": ["message"]}, {"required": ["content"]}],
		"properties": {"message": {"type": "string"}, "content": {"type": "string"}}
	}`,
	model.WorkTypeAnalysis: `{
		"type": "object",
		"anyOf": [{"required": ["content"]}, {"required": ["document"]}, {"required": ["documentUrl"]}]
	}`,
	model.WorkTypeAccounting: `{"type": "object", "minProperties": 1}`,
	model.WorkTypeScoring:    `{"type": "object", "minProperties": 1}`,
}

// DefaultDefinitions builds the standard plan for every work type using factory for executors.
func DefaultDefinitions(factory ExecutorFactory) map[model.WorkType]Definition {
	defs := make(map[model.WorkType]Definition, len(model.AllWorkTypes()))
	for _, wt := range model.AllWorkTypes() {
		specs := DefaultStageSpecs(wt)
		stages := make([]Stage, 0, len(specs))
		for _, s := range specs {
			stages = append(stages, Stage{Name: s.Name, Progress: s.Progress, Executor: factory(wt, s.Name)})
		}
		defs[wt] = Definition{
			Stages:            stages,
			ContentExpression: DefaultContentExpression,
			Schema:            defaultSchemas[wt],
		}
	}
	return defs
}
