package cryptoworker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pandodao/ecash-wallet/core"
)

const freshCoinKeyLen = 64

var (
	ErrNoCoins  = errors.New("no coins to sign")
	ErrNoDenoms = errors.New("no denominations for refresh")

	coinDerivation = []byte("taler-coin-derivation")
)

// Worker builds the protocol messages of the wallet on top of the raw
// crypto primitives.
type Worker struct {
	crypto core.CryptoService
}

func New(crypto core.CryptoService) *Worker {
	return &Worker{crypto: crypto}
}

func (w *Worker) hashCrock(data []byte) string {
	return core.EncodeCrock(w.crypto.Hash(data))
}

// HashString hashes s including a zero terminator.
func (w *Worker) HashString(s string) string {
	return w.hashCrock(append([]byte(s), 0))
}

func (w *Worker) HashDenomPub(denomPub string) (string, error) {
	b, err := core.DecodeCrock(denomPub)
	if err != nil {
		return "", fmt.Errorf("denom pub: %w", err)
	}

	return w.hashCrock(b), nil
}

// HashContractTerms hashes the canonical form of raw: compact JSON with
// object keys sorted.
func (w *Worker) HashContractTerms(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("contract terms: %w", err)
	}

	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return w.HashString(string(canonical)), nil
}

func (w *Worker) verify(p interface{ Encode() ([]byte, error) }, sig, pub string) bool {
	purpose, err := p.Encode()
	if err != nil {
		return false
	}

	return w.crypto.EddsaVerify(purpose, sig, pub)
}

func (w *Worker) sign(p interface{ Encode() ([]byte, error) }, priv string) (string, error) {
	purpose, err := p.Encode()
	if err != nil {
		return "", err
	}

	return w.crypto.EddsaSign(purpose, priv)
}

func (w *Worker) IsValidDenom(d *core.Denomination, masterPub string) bool {
	return w.verify(DenomValidity{MasterPub: masterPub, Denom: d}, d.MasterSig, masterPub)
}

func (w *Worker) IsValidWireFee(method string, fee *core.WireFee, masterPub string) bool {
	p := WireFeeValidity{WireMethodHash: w.HashString(method), Fee: fee}
	return w.verify(p, fee.Sig, masterPub)
}

func (w *Worker) IsValidContract(contractHash, sig, merchantPub string) bool {
	return w.verify(MerchantContract{ContractHash: contractHash}, sig, merchantPub)
}

// IsValidPaymentSig checks the merchant's confirmation of a payment.
func (w *Worker) IsValidPaymentSig(contractHash, sig, merchantPub string) bool {
	return w.verify(MerchantPaymentOk{ContractHash: contractHash}, sig, merchantPub)
}

func (w *Worker) IsValidRefund(contractHash, merchantPub string, r *core.RefundPermission) bool {
	p := MerchantRefund{
		ContractHash:   contractHash,
		CoinPub:        r.CoinPub,
		MerchantPub:    merchantPub,
		RtransactionID: r.RtransactionID,
		RefundAmount:   r.RefundAmount,
		RefundFee:      r.RefundFee,
	}

	return w.verify(p, r.MerchantSig, merchantPub)
}

type PlanchetRequest struct {
	Denom       *core.Denomination
	ReservePub  string
	ReservePriv string
	GroupID     string
	CoinIndex   int
}

// CreatePlanchet prepares the coin material for one withdrawal slot and
// signs the withdraw request with the reserve key.
func (w *Worker) CreatePlanchet(req PlanchetRequest) (*core.Planchet, error) {
	coin, err := w.crypto.CreateEddsaKeyPair()
	if err != nil {
		return nil, err
	}

	bk, err := w.crypto.CreateBlindingKey()
	if err != nil {
		return nil, err
	}

	ev, evHash, err := w.blind(coin.Pub, bk, req.Denom.DenomPub)
	if err != nil {
		return nil, err
	}

	amountWithFee, _ := req.Denom.Value.Add(req.Denom.FeeWithdraw)
	sig, err := w.sign(WithdrawRequest{
		ReservePub:    req.ReservePub,
		AmountWithFee: amountWithFee,
		WithdrawFee:   req.Denom.FeeWithdraw,
		DenomPubHash:  req.Denom.DenomPubHash,
		CoinEvHash:    evHash,
	}, req.ReservePriv)
	if err != nil {
		return nil, fmt.Errorf("sign withdraw request: %w", err)
	}

	return &core.Planchet{
		WithdrawalGroupID: req.GroupID,
		CoinIndex:         req.CoinIndex,
		CoinPub:           coin.Pub,
		CoinPriv:          coin.Priv,
		BlindingKey:       bk,
		DenomPub:          req.Denom.DenomPub,
		DenomPubHash:      req.Denom.DenomPubHash,
		CoinValue:         req.Denom.Value,
		CoinEv:            ev,
		CoinEvHash:        evHash,
		ReservePub:        req.ReservePub,
		WithdrawSig:       sig,
	}, nil
}

// CreateTipPlanchet is CreatePlanchet without a reserve; the merchant
// signs the withdrawal instead.
func (w *Worker) CreateTipPlanchet(denom *core.Denomination) (*core.TipPlanchet, error) {
	coin, err := w.crypto.CreateEddsaKeyPair()
	if err != nil {
		return nil, err
	}

	bk, err := w.crypto.CreateBlindingKey()
	if err != nil {
		return nil, err
	}

	ev, _, err := w.blind(coin.Pub, bk, denom.DenomPub)
	if err != nil {
		return nil, err
	}

	return &core.TipPlanchet{
		CoinPub:      coin.Pub,
		CoinPriv:     coin.Priv,
		BlindingKey:  bk,
		CoinEv:       ev,
		CoinValue:    denom.Value,
		DenomPub:     denom.DenomPub,
		DenomPubHash: denom.DenomPubHash,
	}, nil
}

// CoinPubHash is the message a denomination key signs for a coin.
func (w *Worker) CoinPubHash(coinPub string) ([]byte, error) {
	b, err := core.DecodeCrock(coinPub)
	if err != nil {
		return nil, fmt.Errorf("coin pub: %w", err)
	}

	return w.crypto.Hash(b), nil
}

func (w *Worker) blind(coinPub, bk, denomPub string) (ev, evHash string, err error) {
	h, err := w.CoinPubHash(coinPub)
	if err != nil {
		return "", "", err
	}

	ev, err = w.crypto.RsaBlind(h, bk, denomPub)
	if err != nil {
		return "", "", fmt.Errorf("blind (malicious exchange key?): %w", err)
	}

	raw, err := core.DecodeCrock(ev)
	if err != nil {
		return "", "", err
	}

	return ev, w.hashCrock(raw), nil
}

// UnblindAndVerify turns the exchange's blind signature into a coin
// signature and checks it against the denomination key.
func (w *Worker) UnblindAndVerify(blindSig, bk, coinPub, denomPub string) (string, bool, error) {
	sig, err := w.crypto.RsaUnblind(blindSig, bk, denomPub)
	if err != nil {
		return "", false, err
	}

	h, err := w.CoinPubHash(coinPub)
	if err != nil {
		return "", false, err
	}

	return sig, w.crypto.RsaVerify(h, sig, denomPub), nil
}

type CoinWithDenom struct {
	Coin  *core.Coin
	Denom *core.Denomination
}

// PayCoinInfo holds one deposit permission per spent coin and the coins
// with their amounts already debited.
type PayCoinInfo struct {
	Sigs          []core.CoinDepositPermission
	UpdatedCoins  []*core.Coin
	OriginalCoins []*core.Coin
}

// SignDeposit spends total plus the deposit fees the merchant does not
// cover from the given coins, in order.
func (w *Worker) SignDeposit(contract *core.ContractTerms, contractHash string, cds []CoinWithDenom, total core.Amount) (*PayCoinInfo, error) {
	if len(cds) == 0 {
		return nil, ErrNoCoins
	}

	fees := core.ZeroAmount(total.Currency)
	for _, cd := range cds {
		fees, _ = fees.Add(cd.Denom.FeeDeposit)
	}

	// the merchant pays up to max_fee
	if contract.MaxFee.Currency == total.Currency {
		fees, _ = fees.Sub(contract.MaxFee)
	}
	remaining, _ := fees.Add(total)

	ret := &PayCoinInfo{}
	for _, cd := range cds {
		if remaining.IsZero() {
			break
		}

		spend := core.MinAmount(remaining, cd.Coin.CurrentAmount)
		remaining, _ = remaining.Sub(spend)

		// the merchant rejects contributions below the deposit fee
		if spend.Cmp(cd.Denom.FeeDeposit) < 0 {
			spend = cd.Denom.FeeDeposit
		}

		sig, err := w.sign(DepositRequest{
			ContractHash:   contractHash,
			WireHash:       contract.HWire,
			Timestamp:      contract.Timestamp,
			RefundDeadline: contract.RefundDeadline,
			AmountWithFee:  spend,
			DepositFee:     cd.Denom.FeeDeposit,
			MerchantPub:    contract.MerchantPub,
			CoinPub:        cd.Coin.CoinPub,
		}, cd.Coin.CoinPriv)
		if err != nil {
			return nil, fmt.Errorf("sign deposit for %s: %w", cd.Coin.CoinPub, err)
		}

		original := *cd.Coin
		updated := *cd.Coin
		updated.CurrentAmount, _ = updated.CurrentAmount.Sub(spend)

		ret.Sigs = append(ret.Sigs, core.CoinDepositPermission{
			CoinPub:      cd.Coin.CoinPub,
			CoinSig:      sig,
			Contribution: spend,
			DenomPub:     cd.Coin.DenomPub,
			UbSig:        cd.Coin.DenomSig,
			ExchangeURL:  cd.Denom.ExchangeBaseURL,
		})
		ret.UpdatedCoins = append(ret.UpdatedCoins, &updated)
		ret.OriginalCoins = append(ret.OriginalCoins, &original)
	}

	return ret, nil
}

// FreshCoin derives the coin key and blinding key of fresh coin i from a
// transfer secret. Both sides of the cut-and-choose derive the same values.
func (w *Worker) FreshCoin(transferSecret []byte, i int) (*core.KeyPair, string, error) {
	info := binary.BigEndian.AppendUint32(nil, uint32(i))
	out := w.crypto.Kdf(freshCoinKeyLen, transferSecret, coinDerivation, info)

	priv := core.EncodeCrock(out[:keySize])
	pub, err := w.crypto.EddsaPublicFromPrivate(priv)
	if err != nil {
		return nil, "", err
	}

	return &core.KeyPair{Pub: pub, Priv: priv}, core.EncodeCrock(out[keySize:]), nil
}

// CreateRefreshSession derives everything needed to melt meltCoin into
// newDenoms, including the melt confirmation signature.
func (w *Worker) CreateRefreshSession(exchangeBaseURL string, kappa int, meltCoin *core.Coin, newDenoms []*core.Denomination, meltFee core.Amount) (*core.RefreshSession, error) {
	if len(newDenoms) == 0 {
		return nil, ErrNoDenoms
	}

	currency := newDenoms[0].Value.Currency
	valueWithFee := core.ZeroAmount(currency)
	valueOutput := core.ZeroAmount(currency)
	for _, d := range newDenoms {
		valueWithFee, _ = valueWithFee.Add(d.Value, d.FeeWithdraw)
		valueOutput, _ = valueOutput.Add(d.Value)
	}

	valueWithFee, _ = valueWithFee.Add(meltFee)

	var session []byte
	read := func(crock string) error {
		b, err := core.DecodeCrock(crock)
		if err != nil {
			return err
		}

		session = append(session, b...)
		return nil
	}

	s := &core.RefreshSession{
		MeltCoinPub:     meltCoin.CoinPub,
		ValueWithFee:    valueWithFee,
		ValueOutput:     valueOutput,
		ExchangeBaseURL: exchangeBaseURL,
	}

	for i := 0; i < kappa; i++ {
		t, err := w.crypto.CreateEcdheKeyPair()
		if err != nil {
			return nil, err
		}

		if err := read(t.Pub); err != nil {
			return nil, err
		}

		s.TransferPubs = append(s.TransferPubs, t.Pub)
		s.TransferPrivs = append(s.TransferPrivs, t.Priv)
	}

	for _, d := range newDenoms {
		if err := read(d.DenomPub); err != nil {
			return nil, fmt.Errorf("denom pub: %w", err)
		}

		s.NewDenoms = append(s.NewDenoms, d.DenomPub)
		s.NewDenomHashes = append(s.NewDenomHashes, d.DenomPubHash)
	}

	if err := read(meltCoin.CoinPub); err != nil {
		return nil, fmt.Errorf("melt coin pub: %w", err)
	}

	amount, err := encodePurpose(0, func(e *encoder) { e.amount(valueWithFee) })
	if err != nil {
		return nil, err
	}
	session = append(session, amount[headerSize:]...)

	for i := 0; i < kappa; i++ {
		secret, err := w.crypto.Ecdh(s.TransferPrivs[i], meltCoin.CoinPub)
		if err != nil {
			return nil, err
		}

		planchets := make([]core.RefreshPlanchet, 0, len(newDenoms))
		for j, d := range newDenoms {
			coin, bk, err := w.FreshCoin(secret, j)
			if err != nil {
				return nil, err
			}

			ev, _, err := w.blind(coin.Pub, bk, d.DenomPub)
			if err != nil {
				return nil, err
			}

			if err := read(ev); err != nil {
				return nil, err
			}

			planchets = append(planchets, core.RefreshPlanchet{
				CoinPub:     coin.Pub,
				CoinPriv:    coin.Priv,
				BlindingKey: bk,
				CoinEv:      ev,
			})
		}

		s.PlanchetsForGammas = append(s.PlanchetsForGammas, planchets)
	}

	s.Hash = w.hashCrock(session)
	s.ConfirmSig, err = w.sign(MeltRequest{
		SessionHash:   s.Hash,
		AmountWithFee: valueWithFee,
		MeltFee:       meltFee,
		CoinPub:       meltCoin.CoinPub,
	}, meltCoin.CoinPriv)
	if err != nil {
		return nil, fmt.Errorf("sign melt: %w", err)
	}

	return s, nil
}
