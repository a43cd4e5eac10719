package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-streamtts/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU Conv1d with symmetric zero padding.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels/groups, kernel_size]
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (*tensor.Tensor, error) {
	return conv1D(input, kernel, bias, stride, padding, padding, dilation, groups)
}

// conv1DLeftPad performs a Conv1d with zeros prepended only on the left,
// the causal padding shape. The result equals concatenating leftPad zeros
// before the input and running an unpadded Conv1D.
func conv1DLeftPad(input, kernel, bias *tensor.Tensor, stride, leftPad, dilation, groups int64) (*tensor.Tensor, error) {
	return conv1D(input, kernel, bias, stride, leftPad, 0, dilation, groups)
}

type conv1DShape struct {
	batch       int64
	inChannels  int64
	length      int64
	outChannels int64
	kInChannels int64
	kernelSize  int64
	outLength   int64
	inPerGroup  int64
	outPerGroup int64
}

func conv1D(input, kernel, bias *tensor.Tensor, stride, padLeft, padRight, dilation, groups int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: conv1d requires non-nil input/kernel")
	}
	if stride <= 0 || dilation <= 0 || groups <= 0 {
		return nil, errors.New("ops: conv1d stride/dilation/groups must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()
	if len(inShape) != 3 || len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	sh := conv1DShape{
		batch:       inShape[0],
		inChannels:  inShape[1],
		length:      inShape[2],
		outChannels: kShape[0],
		kInChannels: kShape[1],
		kernelSize:  kShape[2],
	}

	if sh.inChannels%groups != 0 || sh.outChannels%groups != 0 {
		return nil, fmt.Errorf("ops: conv1d channels not divisible by groups (%d, %d, groups=%d)", sh.inChannels, sh.outChannels, groups)
	}
	if sh.kInChannels != sh.inChannels/groups {
		return nil, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", sh.kInChannels, sh.inChannels/groups)
	}
	sh.inPerGroup = sh.inChannels / groups
	sh.outPerGroup = sh.outChannels / groups

	var biasData []float32
	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != sh.outChannels {
			return nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, sh.outChannels)
		}
		biasData = bias.RawData()
	}

	sh.outLength = (sh.length+padLeft+padRight-dilation*(sh.kernelSize-1)-1)/stride + 1
	if sh.outLength <= 0 {
		return nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", sh.outLength)
	}

	out, err := tensor.Zeros([]int64{sh.batch, sh.outChannels, sh.outLength})
	if err != nil {
		return nil, err
	}

	if groups == 1 {
		conv1DIm2Col(input.RawData(), kernel.RawData(), biasData, out.RawData(), sh, stride, padLeft, dilation)
	} else {
		conv1DGrouped(input.RawData(), kernel.RawData(), biasData, out.RawData(), sh, stride, padLeft, dilation)
	}

	return out, nil
}

// validOutputRange returns the [lo, hi] output positions (inclusive) for which
// the tap at kernel offset kx reads inside the unpadded input. Positions
// outside the range read padding and contribute zero.
func validOutputRange(sh conv1DShape, stride, padLeft, dilation, kx int64) (int64, int64) {
	off := kx*dilation - padLeft

	lo := int64(0)
	if off < 0 {
		lo = (-off + stride - 1) / stride
	}

	hi := (sh.length - 1 - off) / stride
	if hi > sh.outLength-1 {
		hi = sh.outLength - 1
	}

	return lo, hi
}

// conv1DIm2Col is the fast path for groups=1. It gathers input patches into
// an im2col matrix of shape [outLen, inCh*kSize] so each output value becomes
// a dot product over two contiguous rows:
//
//	out[oc, ox] = dot(kernel[oc, :], imcol[ox, :]) + bias[oc]
func conv1DIm2Col(inputData, kernelData, biasData, outData []float32, sh conv1DShape, stride, padLeft, dilation int64) {
	patchLen := int(sh.kInChannels * sh.kernelSize)
	outLen := int(sh.outLength)
	outCh := int(sh.outChannels)

	imcol := getScratch(outLen * patchLen)
	defer putScratch(imcol)

	for b := int64(0); b < sh.batch; b++ {
		// Padding positions must stay zero; getScratch returns a zeroed
		// slice but later batches reuse it.
		if b > 0 {
			clear(imcol)
		}

		for ic := int64(0); ic < sh.inChannels; ic++ {
			inRow := inputData[(b*sh.inChannels+ic)*sh.length : (b*sh.inChannels+ic+1)*sh.length]

			for kx := int64(0); kx < sh.kernelSize; kx++ {
				col := int(ic*sh.kernelSize + kx)
				off := kx*dilation - padLeft

				lo, hi := validOutputRange(sh, stride, padLeft, dilation, kx)
				for ox := lo; ox <= hi; ox++ {
					imcol[int(ox)*patchLen+col] = inRow[ox*stride+off]
				}
			}
		}

		// Each output channel writes a disjoint slice, so the channel loop
		// parallelizes cleanly over shared read-only imcol and kernel data.
		outBase := int(b) * outCh * outLen
		parallelFor(outCh, getConvWorkers(), func(ocLo, ocHi int) {
			for oc := ocLo; oc < ocHi; oc++ {
				kernelRow := kernelData[oc*patchLen : (oc+1)*patchLen]

				var biasVal float32
				if biasData != nil {
					biasVal = biasData[oc]
				}

				outRow := outData[outBase+oc*outLen : outBase+(oc+1)*outLen]
				for ox := range outRow {
					outRow[ox] = tensor.DotProduct(kernelRow, imcol[ox*patchLen:(ox+1)*patchLen]) + biasVal
				}
			}
		})
	}
}

// conv1DGrouped is the reference path for grouped convolutions.
func conv1DGrouped(inputData, kernelData, biasData, outData []float32, sh conv1DShape, stride, padLeft, dilation int64) {
	for b := int64(0); b < sh.batch; b++ {
		for oc := int64(0); oc < sh.outChannels; oc++ {
			group := oc / sh.outPerGroup
			outRow := outData[(b*sh.outChannels+oc)*sh.outLength : (b*sh.outChannels+oc+1)*sh.outLength]

			if biasData != nil {
				for ox := range outRow {
					outRow[ox] = biasData[oc]
				}
			}

			for ic := int64(0); ic < sh.inPerGroup; ic++ {
				inC := group*sh.inPerGroup + ic
				inRow := inputData[(b*sh.inChannels+inC)*sh.length : (b*sh.inChannels+inC+1)*sh.length]
				kernelRow := kernelData[(oc*sh.kInChannels+ic)*sh.kernelSize : (oc*sh.kInChannels+ic+1)*sh.kernelSize]

				for kx := int64(0); kx < sh.kernelSize; kx++ {
					w := kernelRow[kx]
					if w == 0 {
						continue
					}

					off := kx*dilation - padLeft
					lo, hi := validOutputRange(sh, stride, padLeft, dilation, kx)
					for ox := lo; ox <= hi; ox++ {
						outRow[ox] += w * inRow[ox*stride+off]
					}
				}
			}
		}
	}
}
