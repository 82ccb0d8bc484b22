// Package reconstruction turns patch-level class predictions back into
// full-volume label maps.
//
// Every sampled coordinate receives the argmax class of its prediction;
// voxels that were never sampled stay background. In cascade mode the
// model emits several heads of increasing specificity (tumour presence,
// core, full label set). The most specific head provides the label and the
// coarsest head acts as a spatial gate, so fine-grained labels cannot leak
// outside any plausible tumour region.
package reconstruction
