package contracts

// X402MailABI is the call surface of the X402Mail escrow contract.
const X402MailABI = `[
  {"type":"function","name":"depositPayment","stateMutability":"nonpayable",
   "inputs":[{"name":"receiver","type":"address"},{"name":"messageHash","type":"bytes32"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"markAsRead","stateMutability":"nonpayable",
   "inputs":[{"name":"messageHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refundExpired","stateMutability":"nonpayable",
   "inputs":[{"name":"messageHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"flagSpam","stateMutability":"nonpayable",
   "inputs":[{"name":"messageHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"calculateFee","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"}],
   "outputs":[{"name":"fee","type":"uint256"}]},
  {"type":"function","name":"getMessage","stateMutability":"view",
   "inputs":[{"name":"messageHash","type":"bytes32"}],
   "outputs":[{"name":"message","type":"tuple","internalType":"struct X402Mail.Message","components":[
     {"name":"sender","type":"address"},
     {"name":"receiver","type":"address"},
     {"name":"messageHash","type":"bytes32"},
     {"name":"amount","type":"uint256"},
     {"name":"timestamp","type":"uint256"},
     {"name":"isRead","type":"bool"},
     {"name":"isRefunded","type":"bool"},
     {"name":"isSpam","type":"bool"}]}]},
  {"type":"function","name":"getSenderProfile","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"}],
   "outputs":[{"name":"profile","type":"tuple","internalType":"struct X402Mail.SenderProfile","components":[
     {"name":"credibilityScore","type":"uint256"},
     {"name":"totalSent","type":"uint256"},
     {"name":"totalRead","type":"uint256"},
     {"name":"spamFlags","type":"uint256"}]}]}
]`

// ERC20ABI covers the subset of the payment token used by the client.
const ERC20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`
