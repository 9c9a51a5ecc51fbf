/*
Package workflow implements the Stagehand execution engine: workflow
definitions, DAG planning, template resolution, stage-based concurrent
execution, and checkpointed replay.

# Pipeline

A YAML workflow document is parsed and validated into a [WorkflowDefinition],
planned once into an [ExecutionPlan] of ordered stages, and then executed per
run by an [Executor] that owns the run's [RunContext] for its whole lifetime.
Steps within a stage run concurrently; stages run strictly in order. A step
with parallel_over fans out into one task per list element at stage-dispatch
time.

# Collaborators

The engine performs no I/O of its own beyond the collaborator interfaces in
runtime.go: the agent runtime that executes step prompts, the blob storage
behind {storage.*} references, the run state store persisted after every
stage, the webhook dispatcher fired on terminal transitions, and the optional
model-selection and output-policy hooks.

# Replay

A completed run's recorded outputs form a checkpoint. The
[ReplayController] builds a new run that reuses every output strictly before
a target step and re-executes the rest, optionally with overridden step
parameters (fork). The new run is an ordinary run with lineage pointers.
*/
package workflow
