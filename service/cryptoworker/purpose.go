package cryptoworker

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/oxtoacart/bpool"
	"github.com/pandodao/ecash-wallet/core"
)

// Signature purpose codes.
const (
	PurposeMasterDenomValidity uint32 = 1025
	PurposeMasterWireFees      uint32 = 1028
	PurposeMerchantContract    uint32 = 1101
	PurposeMerchantRefund      uint32 = 1102
	PurposeMerchantPaymentOk   uint32 = 1104
	PurposeWalletWithdraw      uint32 = 1200
	PurposeWalletDeposit       uint32 = 1201
	PurposeWalletMelt          uint32 = 1202
)

const (
	hashSize     = 64
	keySize      = 32
	currencySize = 12
	headerSize   = 8
)

var pool = bpool.NewBufferPool(64)

// encoder writes the fixed layout of a signed purpose. The first decoding
// error sticks and is reported by finish.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) amount(a core.Amount) {
	if len(a.Currency) > currencySize-1 {
		e.fail(fmt.Errorf("currency %q too long", a.Currency))
		return
	}

	e.uint64(a.Value)
	e.uint32(a.Fraction)
	var cur [currencySize]byte
	copy(cur[:], a.Currency)
	e.buf = append(e.buf, cur[:]...)
}

// timestamp encodes t in microseconds, the zero time as 0.
func (e *encoder) timestamp(t time.Time) {
	if t.IsZero() {
		e.uint64(0)
		return
	}

	e.uint64(uint64(t.UnixMicro()))
}

func (e *encoder) fixed(name, crock string, size int) {
	b, err := core.DecodeCrock(crock)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", name, err))
		return
	}

	if len(b) != size {
		e.fail(fmt.Errorf("%s: want %d bytes, got %d", name, size, len(b)))
		return
	}

	e.buf = append(e.buf, b...)
}

func (e *encoder) hash(name, crock string) { e.fixed(name, crock, hashSize) }
func (e *encoder) key(name, crock string)  { e.fixed(name, crock, keySize) }

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// encodePurpose prefixes the body written by fn with its size and purpose.
func encodePurpose(purpose uint32, fn func(e *encoder)) ([]byte, error) {
	buf := pool.Get()
	defer pool.Put(buf)

	e := &encoder{buf: buf.Bytes()[:0]}
	e.uint32(0)
	e.uint32(purpose)
	fn(e)
	if e.err != nil {
		return nil, e.err
	}

	binary.BigEndian.PutUint32(e.buf[:4], uint32(len(e.buf)))
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

type WithdrawRequest struct {
	ReservePub    string
	AmountWithFee core.Amount
	WithdrawFee   core.Amount
	DenomPubHash  string
	CoinEvHash    string
}

func (p WithdrawRequest) Encode() ([]byte, error) {
	return encodePurpose(PurposeWalletWithdraw, func(e *encoder) {
		e.key("reserve_pub", p.ReservePub)
		e.amount(p.AmountWithFee)
		e.amount(p.WithdrawFee)
		e.hash("h_denomination_pub", p.DenomPubHash)
		e.hash("h_coin_envelope", p.CoinEvHash)
	})
}

type DepositRequest struct {
	ContractHash   string
	WireHash       string
	Timestamp      time.Time
	RefundDeadline time.Time
	AmountWithFee  core.Amount
	DepositFee     core.Amount
	MerchantPub    string
	CoinPub        string
}

func (p DepositRequest) Encode() ([]byte, error) {
	return encodePurpose(PurposeWalletDeposit, func(e *encoder) {
		e.hash("h_contract", p.ContractHash)
		e.hash("h_wire", p.WireHash)
		e.timestamp(p.Timestamp)
		e.timestamp(p.RefundDeadline)
		e.amount(p.AmountWithFee)
		e.amount(p.DepositFee)
		e.key("merchant_pub", p.MerchantPub)
		e.key("coin_pub", p.CoinPub)
	})
}

type MeltRequest struct {
	SessionHash   string
	AmountWithFee core.Amount
	MeltFee       core.Amount
	CoinPub       string
}

func (p MeltRequest) Encode() ([]byte, error) {
	return encodePurpose(PurposeWalletMelt, func(e *encoder) {
		e.hash("session_hash", p.SessionHash)
		e.amount(p.AmountWithFee)
		e.amount(p.MeltFee)
		e.key("coin_pub", p.CoinPub)
	})
}

type MerchantContract struct {
	ContractHash string
}

func (p MerchantContract) Encode() ([]byte, error) {
	return encodePurpose(PurposeMerchantContract, func(e *encoder) {
		e.hash("h_contract", p.ContractHash)
	})
}

type MerchantPaymentOk struct {
	ContractHash string
}

func (p MerchantPaymentOk) Encode() ([]byte, error) {
	return encodePurpose(PurposeMerchantPaymentOk, func(e *encoder) {
		e.hash("h_contract", p.ContractHash)
	})
}

type MerchantRefund struct {
	ContractHash   string
	CoinPub        string
	MerchantPub    string
	RtransactionID uint64
	RefundAmount   core.Amount
	RefundFee      core.Amount
}

func (p MerchantRefund) Encode() ([]byte, error) {
	return encodePurpose(PurposeMerchantRefund, func(e *encoder) {
		e.hash("h_contract", p.ContractHash)
		e.key("coin_pub", p.CoinPub)
		e.key("merchant_pub", p.MerchantPub)
		e.uint64(p.RtransactionID)
		e.amount(p.RefundAmount)
		e.amount(p.RefundFee)
	})
}

// DenomValidity is what the exchange master key signs for every
// denomination it announces.
type DenomValidity struct {
	MasterPub string
	Denom     *core.Denomination
}

func (p DenomValidity) Encode() ([]byte, error) {
	d := p.Denom
	return encodePurpose(PurposeMasterDenomValidity, func(e *encoder) {
		e.key("master_pub", p.MasterPub)
		e.timestamp(d.StampStart)
		e.timestamp(d.StampExpireWithdraw)
		e.timestamp(d.StampExpireDeposit)
		e.timestamp(d.StampExpireLegal)
		e.amount(d.Value)
		e.amount(d.FeeWithdraw)
		e.amount(d.FeeDeposit)
		e.amount(d.FeeRefresh)
		e.amount(d.FeeRefund)
		e.hash("denom_hash", d.DenomPubHash)
	})
}

type WireFeeValidity struct {
	WireMethodHash string
	Fee            *core.WireFee
}

func (p WireFeeValidity) Encode() ([]byte, error) {
	return encodePurpose(PurposeMasterWireFees, func(e *encoder) {
		e.hash("h_wire_method", p.WireMethodHash)
		e.timestamp(p.Fee.StartStamp)
		e.timestamp(p.Fee.EndStamp)
		e.amount(p.Fee.WireFee)
		e.amount(p.Fee.ClosingFee)
	})
}
