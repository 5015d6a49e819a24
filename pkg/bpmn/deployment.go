package bpmn

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// Resource is one deployable process model.
type Resource struct {
	Name        string
	Definitions *bpmn20.TDefinitions
}

// Deploy stores the given process models under one deployment. A model
// whose content matches the latest deployed version of the same process
// id is reused; a changed model gets the next version number and timer
// start events are armed for it.
func (engine *Engine) Deploy(ctx context.Context, name string, resources ...Resource) (*runtime.Deployment, error) {
	var deployment *runtime.Deployment
	err := engine.executeCommand(ctx, nil, funcCommand{
		name: "deploy",
		fn: func(ctx context.Context, cc *CommandContext) error {
			var err error
			deployment, err = engine.deploy(ctx, cc, name, resources)
			return err
		},
	})
	return deployment, err
}

func (engine *Engine) deploy(ctx context.Context, cc *CommandContext, name string, resources []Resource) (*runtime.Deployment, error) {
	deployment := &runtime.Deployment{
		Key:        engine.generateKey(),
		Name:       name,
		DeployedAt: engine.clock.Now(),
	}
	for _, resource := range resources {
		definition, err := engine.deployResource(ctx, cc, deployment.Key, resource)
		if err != nil {
			return nil, err
		}
		deployment.DefinitionKeys = append(deployment.DefinitionKeys, definition.Key)
	}
	cc.saveDeployment(deployment)
	return deployment, nil
}

func (engine *Engine) deployResource(ctx context.Context, cc *CommandContext, deploymentKey int64, resource Resource) (*runtime.ProcessDefinition, error) {
	if resource.Definitions == nil || !resource.Definitions.Process.IsExecutable {
		return nil, newEngineErrorf("resource %s contains no executable process", resource.Name)
	}
	if err := engine.validateDefinitions(resource.Definitions); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resource.Definitions)
	if err != nil {
		return nil, newEngineErrorf("failed to serialize resource %s: %s", resource.Name, err)
	}
	checksum := md5.Sum(raw)
	processId := resource.Definitions.Process.Id

	existing, err := engine.persistence.FindProcessDefinitionsById(ctx, processId)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	version := int32(1)
	if len(existing) > 0 {
		latest := existing[len(existing)-1]
		if bytes.Equal(latest.Checksum[:], checksum[:]) {
			engine.logger.Debug("resource unchanged, reusing deployed version",
				"processId", processId, "version", latest.Version)
			return &latest, nil
		}
		version = latest.Version + 1
	}

	definition := &runtime.ProcessDefinition{
		BpmnProcessId: processId,
		Version:       version,
		Key:           engine.generateKey(),
		DeploymentKey: deploymentKey,
		Definitions:   resource.Definitions,
		RawData:       raw,
		ResourceName:  resource.Name,
		Checksum:      checksum,
	}
	cc.saveDefinition(definition)
	if err := engine.createTimerStartJobs(cc, definition); err != nil {
		return nil, err
	}
	engine.logger.Info("deployed process", "processId", processId, "version", version, "key", definition.Key)
	return definition, nil
}

// RemoveDeployment deletes the deployment record and disarms the timer
// start events of its definitions. Deployed versions stay queryable and
// running instances are untouched.
func (engine *Engine) RemoveDeployment(ctx context.Context, deploymentKey int64) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "remove-deployment",
		fn: func(ctx context.Context, cc *CommandContext) error {
			deployment, err := engine.persistence.FindDeploymentByKey(ctx, deploymentKey)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return newObjectNotFoundError("deployment", deploymentKey)
				}
				return err
			}
			for _, definitionKey := range deployment.DefinitionKeys {
				if err := engine.dropTimerStartJobs(ctx, cc, definitionKey); err != nil {
					return err
				}
			}
			cc.removeDeployment(deploymentKey)
			return nil
		},
	})
}

// loadDefinition resolves a definition by key through the cache,
// re-parsing the raw resource on a cache miss.
func (engine *Engine) loadDefinition(ctx context.Context, cc *CommandContext, key int64) (*runtime.ProcessDefinition, error) {
	if cached, ok := cc.definitions[key]; ok {
		return cached, nil
	}
	if cached, ok := engine.definitionCache.Get(key); ok {
		return cached, nil
	}
	stored, err := engine.persistence.FindProcessDefinitionByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newObjectNotFoundError("process definition", key)
		}
		return nil, err
	}
	if stored.Definitions == nil {
		var definitions bpmn20.TDefinitions
		if err := json.Unmarshal(stored.RawData, &definitions); err != nil {
			return nil, newEngineErrorf("failed to re-parse definition %d: %s", key, err)
		}
		stored.Definitions = &definitions
	}
	definition := &stored
	engine.definitionCache.Add(key, definition)
	return definition, nil
}

func (engine *Engine) loadLatestDefinition(ctx context.Context, cc *CommandContext, processId string) (*runtime.ProcessDefinition, error) {
	stored, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newObjectNotFoundError("process definition", processId)
		}
		return nil, err
	}
	return engine.loadDefinition(ctx, cc, stored.Key)
}

// suspendDefinition stops new instantiation of a definition and disarms
// its timer start events.
func (engine *Engine) suspendDefinition(ctx context.Context, cc *CommandContext, key int64) error {
	definition, err := engine.loadDefinition(ctx, cc, key)
	if err != nil {
		return err
	}
	// work on a copy; the loaded pointer may be the cached one and must
	// not change unless the command commits
	updated := *definition
	updated.Suspended = true
	cc.saveDefinition(&updated)
	return engine.dropTimerStartJobs(ctx, cc, key)
}

// activateDefinition lifts a suspension and re-arms timer start events.
func (engine *Engine) activateDefinition(ctx context.Context, cc *CommandContext, key int64) error {
	definition, err := engine.loadDefinition(ctx, cc, key)
	if err != nil {
		return err
	}
	if !definition.Suspended {
		return nil
	}
	updated := *definition
	updated.Suspended = false
	cc.saveDefinition(&updated)
	return engine.createTimerStartJobs(cc, &updated)
}

func (engine *Engine) dropTimerStartJobs(ctx context.Context, cc *CommandContext, definitionKey int64) error {
	timers, err := engine.persistence.FindTimerJobsByHandlerType(ctx, runtime.JobHandlerTimerStartEvent, definitionKey)
	if err != nil {
		return err
	}
	for i := range timers {
		if cc.timerJobsDel[timers[i].Key] {
			continue
		}
		if cached, ok := cc.timerJobs[timers[i].Key]; ok {
			cc.removeTimerJob(cached)
			continue
		}
		t := timers[i]
		cc.timerJobs[t.Key] = &t
		cc.removeTimerJob(&t)
	}
	return nil
}

// definitionCache bounds the compiled definitions held in memory; with
// capacity 0 it grows without limit.
type definitionCache interface {
	Get(key int64) (*runtime.ProcessDefinition, bool)
	Add(key int64, definition *runtime.ProcessDefinition)
	Remove(key int64)
	Purge()
}

func newDefinitionCache(capacity int) definitionCache {
	if capacity > 0 {
		cache, err := lru.New[int64, *runtime.ProcessDefinition](capacity)
		if err != nil {
			panic(err)
		}
		return lruDefinitionCache{cache}
	}
	return &mapDefinitionCache{entries: map[int64]*runtime.ProcessDefinition{}}
}

type lruDefinitionCache struct {
	cache *lru.Cache[int64, *runtime.ProcessDefinition]
}

func (c lruDefinitionCache) Get(key int64) (*runtime.ProcessDefinition, bool) {
	return c.cache.Get(key)
}

func (c lruDefinitionCache) Add(key int64, definition *runtime.ProcessDefinition) {
	c.cache.Add(key, definition)
}

func (c lruDefinitionCache) Remove(key int64) {
	c.cache.Remove(key)
}

func (c lruDefinitionCache) Purge() {
	c.cache.Purge()
}

type mapDefinitionCache struct {
	mu      sync.RWMutex
	entries map[int64]*runtime.ProcessDefinition
}

func (c *mapDefinitionCache) Get(key int64) (*runtime.ProcessDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	definition, ok := c.entries[key]
	return definition, ok
}

func (c *mapDefinitionCache) Add(key int64, definition *runtime.ProcessDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = definition
}

func (c *mapDefinitionCache) Remove(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *mapDefinitionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[int64]*runtime.ProcessDefinition{}
}
