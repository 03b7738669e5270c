package model

import (
	"math"

	"github.com/obiente/gowhisper/internal/tensor"
)

const layerNormEps = 1e-5

type linear struct {
	w *tensor.Matrix
	b []float32
}

func bindLinear(b *binder, name string, out, in int, bias bool) linear {
	l := linear{w: b.matrix(name+".weight", out, in)}
	if bias {
		l.b = b.vector(name+".bias", out)
	}
	return l
}

func (l linear) forward(be tensor.Backend, x *tensor.Matrix) *tensor.Matrix {
	return be.Linear(x, l.w, l.b)
}

type layerNorm struct {
	gamma, beta []float32
}

func bindLayerNorm(b *binder, name string, n int) layerNorm {
	return layerNorm{gamma: b.vector(name+".weight", n), beta: b.vector(name+".bias", n)}
}

func (ln layerNorm) forward(be tensor.Backend, x *tensor.Matrix) *tensor.Matrix {
	return be.LayerNorm(x, ln.gamma, ln.beta, layerNormEps)
}

// kvCache holds keys (already scaled) and values, one row per position.
type kvCache struct {
	k, v *tensor.Matrix
}

// Len is the number of cached positions.
func (c *kvCache) Len() int {
	if c.k == nil {
		return 0
	}
	return c.k.Rows
}

type attention struct {
	nHead int
	scale float32
	query linear
	key   linear
	value linear
	out   linear
}

func bindAttention(b *binder, name string, state, nHead int) attention {
	return attention{
		nHead: nHead,
		scale: float32(math.Pow(float64(state/nHead), -0.25)),
		query: bindLinear(b, name+".query", state, state, true),
		key:   bindLinear(b, name+".key", state, state, false),
		value: bindLinear(b, name+".value", state, state, true),
		out:   bindLinear(b, name+".out", state, state, true),
	}
}

// project computes scaled keys and values for x.
func (a *attention) project(be tensor.Backend, x *tensor.Matrix) kvCache {
	k := a.key.forward(be, x)
	k.Scale(a.scale)
	return kvCache{k: k, v: a.value.forward(be, x)}
}

// self attends x to itself. With a cache, the new keys and values are
// appended first and the mask offset is the number of positions already
// cached.
func (a *attention) self(be tensor.Backend, x *tensor.Matrix, cache *kvCache, causal bool) *tensor.Matrix {
	kv := a.project(be, x)
	mask := tensor.Mask{Causal: causal}
	if cache != nil {
		mask.Offset = cache.Len()
		cache.k = tensor.AppendRows(cache.k, kv.k)
		cache.v = tensor.AppendRows(cache.v, kv.v)
		kv = *cache
	}
	return a.attend(be, x, kv, mask)
}

// cross attends x to precomputed keys and values.
func (a *attention) cross(be tensor.Backend, x *tensor.Matrix, kv kvCache) *tensor.Matrix {
	return a.attend(be, x, kv, tensor.Mask{})
}

func (a *attention) attend(be tensor.Backend, x *tensor.Matrix, kv kvCache, mask tensor.Mask) *tensor.Matrix {
	q := a.query.forward(be, x)
	q.Scale(a.scale)
	dh := q.Cols / a.nHead
	heads := tensor.New(q.Rows, q.Cols)
	for h := 0; h < a.nHead; h++ {
		lo, hi := h*dh, (h+1)*dh
		o := be.Attention(q.Columns(lo, hi), kv.k.Columns(lo, hi), kv.v.Columns(lo, hi), mask)
		heads.SetColumns(lo, o)
	}
	return a.out.forward(be, heads)
}

type mlp struct {
	fc1, fc2 linear
}

func bindMLP(b *binder, name string, state int) mlp {
	return mlp{
		fc1: bindLinear(b, name+".0", 4*state, state, true),
		fc2: bindLinear(b, name+".2", state, 4*state, true),
	}
}

func (m mlp) forward(be tensor.Backend, x *tensor.Matrix) *tensor.Matrix {
	h := m.fc1.forward(be, x)
	be.GELU(h)
	return m.fc2.forward(be, h)
}

// residualBlock is a pre-norm transformer block. Decoder blocks also carry
// cross-attention over the audio context.
type residualBlock struct {
	attn    attention
	attnLN  layerNorm
	cross   *attention
	crossLN layerNorm
	mlp     mlp
	mlpLN   layerNorm
}

func bindBlock(b *binder, name string, state, nHead int, withCross bool) residualBlock {
	blk := residualBlock{
		attn:   bindAttention(b, name+".attn", state, nHead),
		attnLN: bindLayerNorm(b, name+".attn_ln", state),
		mlp:    bindMLP(b, name+".mlp", state),
		mlpLN:  bindLayerNorm(b, name+".mlp_ln", state),
	}
	if withCross {
		cross := bindAttention(b, name+".cross_attn", state, nHead)
		blk.cross = &cross
		blk.crossLN = bindLayerNorm(b, name+".cross_attn_ln", state)
	}
	return blk
}

func (blk *residualBlock) forward(be tensor.Backend, x *tensor.Matrix, cache *kvCache, audio *kvCache) *tensor.Matrix {
	x = be.Add(x, blk.attn.self(be, blk.attnLN.forward(be, x), cache, cache != nil))
	if blk.cross != nil && audio != nil {
		x = be.Add(x, blk.cross.cross(be, blk.crossLN.forward(be, x), *audio))
	}
	return be.Add(x, blk.mlp.forward(be, blk.mlpLN.forward(be, x)))
}

// conv1d is a 1D convolution over a time × channels input, computed as an
// im2col gather followed by one Linear.
type conv1d struct {
	w       *tensor.Matrix // out × (in·k)
	b       []float32
	in      int
	kernel  int
	stride  int
	padding int
}

func bindConv(b *binder, name string, out, in, kernel, stride, padding int) conv1d {
	return conv1d{
		w:       b.conv(name+".weight", out, in, kernel),
		b:       b.vector(name+".bias", out),
		in:      in,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
	}
}

func (c conv1d) outLen(n int) int {
	return (n+2*c.padding-c.kernel)/c.stride + 1
}

func (c conv1d) forward(be tensor.Backend, x *tensor.Matrix) *tensor.Matrix {
	tOut := c.outLen(x.Rows)
	cols := tensor.New(tOut, c.in*c.kernel)
	for t := 0; t < tOut; t++ {
		row := cols.Row(t)
		for kk := 0; kk < c.kernel; kk++ {
			src := t*c.stride + kk - c.padding
			if src < 0 || src >= x.Rows {
				continue
			}
			xr := x.Row(src)
			for i := 0; i < c.in; i++ {
				row[i*c.kernel+kk] = xr[i]
			}
		}
	}
	return be.Linear(cols, c.w, c.b)
}

// sinusoids returns the fixed length × channels positional embedding: sines
// in the first half of the channels, cosines in the second.
func sinusoids(length, channels int) *tensor.Matrix {
	half := channels / 2
	inc := math.Log(10000) / float64(half-1)
	out := tensor.New(length, channels)
	for t := 0; t < length; t++ {
		row := out.Row(t)
		for i := 0; i < half; i++ {
			v := float64(t) * math.Exp(-inc*float64(i))
			row[i] = float32(math.Sin(v))
			row[half+i] = float32(math.Cos(v))
		}
	}
	return out
}
